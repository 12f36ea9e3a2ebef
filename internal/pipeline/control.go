package pipeline

import (
	"context"
	"fmt"

	"github.com/samcharles93/drape/internal/model"
	"github.com/samcharles93/drape/internal/tensor"
)

// controlWindow reports whether the control residuals apply at step i of n.
// n counts the scheduler's timesteps, so for PNDM, which repeats one
// timestep, the fractions are taken over steps+1 evaluations.
func controlWindow(i, n int, start, end float64) bool {
	if end == 0 {
		end = 1
	}
	return !(float64(i)/float64(n) < start || float64(i+1)/float64(n) > end)
}

// controlResiduals evaluates the ControlNet for this step, or returns nil when
// no control image is set or the step lies outside the control window.
func (r *run) controlResiduals(ctx context.Context, i int, latent *tensor.Tensor, t float64, encoder *tensor.Tensor) (*model.ControlResiduals, error) {
	req := r.req
	if req.ControlImage == nil {
		return nil, nil
	}
	if !controlWindow(i, len(r.timesteps), req.ControlGuidanceStart, req.ControlGuidanceEnd) {
		return nil, nil
	}
	res, err := r.p.comps.Control.Residuals(ctx, latent, t, encoder, r.control, req.ControlScale)
	if err != nil {
		return nil, fmt.Errorf("controlnet: %w", err)
	}
	r.stats.ControlCalls++
	return res, nil
}
