package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/samcharles93/drape/internal/api"
	"github.com/samcharles93/drape/internal/blobs"
)

const (
	envConfig    = "DRAPE_CONFIG"
	envOutputDir = "DRAPE_OUTPUT_DIR"
	envModelsDir = api.EnvModelsDir
)

// stdinIsTTY is a small seam for tests.
var stdinIsTTY = isTTY

// resolveOutputDir picks the directory generated images are written to and
// creates it.
func resolveOutputDir(outFlag string) (string, error) {
	dir := strings.TrimSpace(outFlag)
	if dir == "" {
		dir = strings.TrimSpace(os.Getenv(envOutputDir))
	}
	if dir == "" {
		dir = filepath.Join(".", "out")
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// resolveCheckpoint returns the checkpoint to sample with. The empty string
// means no checkpoint was configured and weights are synthesized.
func resolveCheckpoint(checkpointFlag, modelsPath string, stdin io.Reader, stderr io.Writer) (string, error) {
	checkpointFlag = strings.TrimSpace(checkpointFlag)
	if checkpointFlag != "" {
		if blobs.IsRemote(checkpointFlag) {
			return checkpointFlag, nil
		}
		return filepath.Clean(checkpointFlag), nil
	}

	dir := strings.TrimSpace(modelsPath)
	if dir == "" {
		dir = strings.TrimSpace(os.Getenv(envModelsDir))
	}
	if dir == "" {
		return "", nil
	}

	models, err := discoverCheckpoints(dir)
	if err != nil {
		return "", err
	}
	switch len(models) {
	case 0:
		return "", fmt.Errorf("no .safetensors checkpoints found in %s", dir)
	case 1:
		_, _ = fmt.Fprintf(stderr, "drape: using checkpoint %s\n", models[0])
		return models[0], nil
	default:
		if !stdinIsTTY() {
			return "", fmt.Errorf("multiple checkpoints found in %s but stdin is not interactive; set --checkpoint", dir)
		}
		return selectCheckpoint(dir, models, stdin, stderr)
	}
}

func discoverCheckpoints(dir string) ([]string, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("models directory is empty")
	}
	st, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("models path is not a directory: %s", dir)
	}
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var models []string
	for _, e := range ents {
		if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), ".safetensors") {
			continue
		}
		models = append(models, filepath.Join(dir, e.Name()))
	}
	sort.Strings(models)
	return models, nil
}

func selectCheckpoint(dir string, models []string, stdin io.Reader, stderr io.Writer) (string, error) {
	_, _ = fmt.Fprintf(stderr, "drape: select a checkpoint from %s\n", dir)
	for i, m := range models {
		_, _ = fmt.Fprintf(stderr, "%d. %s\n", i+1, filepath.Base(m))
	}

	reader := bufio.NewReader(stdin)
	for {
		_, _ = fmt.Fprintf(stderr, "drape: enter selection [1-%d]: ", len(models))
		line, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", err
		}
		line = strings.TrimSpace(line)
		eof := errors.Is(err, io.EOF)
		if line == "" {
			if eof {
				return "", errors.New("no selection provided on stdin; set --checkpoint")
			}
			continue
		}
		idx, convErr := strconv.Atoi(line)
		if convErr != nil || idx < 1 || idx > len(models) {
			_, _ = fmt.Fprintf(stderr, "drape: invalid selection %q\n", line)
			if eof {
				return "", errors.New("invalid selection provided on stdin; set --checkpoint")
			}
			continue
		}
		return models[idx-1], nil
	}
}

func isTTY() bool {
	st, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return st.Mode()&os.ModeCharDevice != 0
}

func formatSize(bytes int64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/gb)
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/mb)
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/kb)
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
