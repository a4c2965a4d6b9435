// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Scorer runs a Model in inference mode. It implements maskgit.Scorer and is safe for
// concurrent use: executions are serialized.
type Scorer struct {
	model   *Model
	backend backends.Backend
	ctx     *context.Context
	exec    *context.Exec
	mu      sync.Mutex
}

// NewScorer compiles the model for the backend, with variables taken from ctx. Variables missing
// from ctx (e.g. when no checkpoint was loaded) are randomly initialized on first use.
func NewScorer(backend backends.Backend, ctx *context.Context, m *Model) (*Scorer, error) {
	if err := m.Validate(); err != nil {
		return nil, errors.WithMessage(err, "model.NewScorer")
	}
	s := &Scorer{model: m, backend: backend, ctx: ctx}
	var err error
	s.exec, err = context.NewExec(backend, ctx.Checked(false),
		func(ctx *context.Context, latents *Node) *Node {
			ctx.SetTraining(latents.Graph(), false)
			return m.Forward(ctx, latents)
		})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create model exec")
	}
	return s, nil
}

// LoadCheckpoint loads the variables of a checkpoint directory into ctx. The directory must exist.
func LoadCheckpoint(ctx *context.Context, dir string) error {
	checkpoint, err := checkpoints.Load(ctx).Dir(dir).Immediate().Done()
	if err != nil {
		return errors.WithMessagef(err, "failed to load checkpoint from %q", dir)
	}
	klog.V(1).Infof("model: loaded checkpoint %s", checkpoint)
	return nil
}

// Model returns the configuration of the scorer.
func (s *Scorer) Model() *Model { return s.model }

// Score implements maskgit.Scorer.
func (s *Scorer) Score(latents *tensors.Tensor) (scores *tensors.Tensor, err error) {
	m := s.model
	if latents.Rank() != 3 {
		return nil, errors.Errorf("latents must be shaped [batch, channels, time], got %s", latents.Shape())
	}
	dims := latents.Shape().Dimensions
	if dims[1] != m.NumCodebooks*m.LatentDim {
		return nil, errors.Errorf("latents have %d channels, model expects %d codebooks x %d latent dimensions",
			dims[1], m.NumCodebooks, m.LatentDim)
	}
	if dims[2] > m.MaxPosEmbed {
		return nil, errors.Errorf("latents have %d time steps, model supports at most %d", dims[2], m.MaxPosEmbed)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var execErr error
	err = exceptions.TryCatch[error](func() {
		scores, execErr = s.exec.Exec1(latents)
	})
	if err == nil {
		err = execErr
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to score latents shaped %s", latents.Shape())
	}
	return scores, nil
}
