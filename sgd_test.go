// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package unet3d

import (
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

// TestMomentumSGD minimizes the quadratic (w-3)^2 and checks that the weight
// converges to 3.
func TestMomentumSGD(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	opt := MomentumSGD().WithLearningRate(0.1).WithMomentum(0.5).Done()

	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		wVar := ctx.VariableWithValue("w", float32(10))
		w := wVar.ValueGraph(g)
		loss := Square(AddScalar(w, -3))
		opt.UpdateGraph(ctx, g, loss)
		return loss
	})

	const numSteps = 100
	var loss float32
	for step := 0; step < numSteps; step++ {
		loss = tensors.ToScalar[float32](exec.MustExec()[0])
	}
	assert.Less(t, loss, float32(1e-3), "loss did not converge")

	wVar := ctx.GetVariableByScopeAndName(context.RootScope, "w")
	require.NotNil(t, wVar)
	w := tensors.ToScalar[float32](wVar.MustValue())
	assert.InDelta(t, 3.0, w, 0.01, "weight did not converge to the minimum")

	assert.EqualValues(t, numSteps, optimizers.GetGlobalStep(ctx))
	require.NoError(t, opt.Clear(ctx))
}

func TestMomentumSGDConfig(t *testing.T) {
	assert.Panics(t, func() { MomentumSGD().WithMomentum(1.0) })
	assert.Panics(t, func() { MomentumSGD().WithMomentum(-0.1) })
	assert.NotPanics(t, func() { MomentumSGD().WithMomentum(0.99).Done() })
}
