package api

import (
	"fmt"
	"image"
	"io"
	"net/http"
	"strconv"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
	"github.com/samcharles93/drape/internal/imageio"
)

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg, "", "")
}

// writeInvalid answers 400 for an error wrapping ErrInvalidRequest.
func writeInvalid(c *echo.Context, err error) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", err.Error(), errorParam(err), "")
}

func writeNotFound(c *echo.Context, msg string) error {
	return writeError(c, http.StatusNotFound, "not_found_error", msg, "", "")
}

func writeError(c *echo.Context, status int, errType, msg, param, code string) error {
	return c.JSON(status, map[string]any{
		"error": ResponseError{
			Message: msg,
			Type:    errType,
			Code:    code,
			Param:   param,
		},
	})
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}

// decodeImageField decodes a base64 image, or returns nil for an empty field.
func decodeImageField(field, data string) (image.Image, error) {
	if data == "" {
		return nil, nil
	}
	img, err := imageio.DecodeBase64(data)
	if err != nil {
		return nil, newInvalidParam(field, fmt.Sprintf("%s: %v", field, err))
	}
	return img, nil
}

func encodeImages(imgs []image.Image) ([]ImageData, error) {
	out := make([]ImageData, len(imgs))
	for i, img := range imgs {
		b64, err := imageio.EncodeBase64(img)
		if err != nil {
			return nil, fmt.Errorf("encode image %d: %w", i, err)
		}
		out[i] = ImageData{Index: i, B64JSON: b64}
	}
	return out, nil
}

func newGenerationID() string {
	return "gen_" + uuid.NewString()
}

func parseStartingAfter(v string) int {
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
