// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package unet3d

import (
	"fmt"
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestOutputSpatialDims(t *testing.T) {
	// 92 is the smallest viable cubic input for the default 3-pooling
	// network: 92 -> 88 -> 44 -> 40 -> 20 -> 16 -> 8 -> 4 on the way down,
	// and back to 4 on the way up.
	assert.Equal(t, []int{4, 4, 4}, OutputSpatialDims(3, 92, 92, 92))
	assert.Equal(t, []int{20}, OutputSpatialDims(3, 108))
	assert.Equal(t, []int{4}, OutputSpatialDims(2, 44))
	assert.Equal(t, []int{4, 20, 4}, OutputSpatialDims(3, 92, 108, 92))

	// Odd feature map when reaching a pooling.
	assert.Panics(t, func() { OutputSpatialDims(3, 90, 90, 90) })
	// Feature map too small for the unpadded convolutions.
	assert.Panics(t, func() { OutputSpatialDims(3, 10, 10, 10) })
	assert.Panics(t, func() { OutputSpatialDims(0, 4) })
}

func TestCenterCrop(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	got := MustExecOnce(backend, func(g *Graph) *Node {
		x := IotaFull(g, shapes.Make(dtypes.Float32, 1, 4, 4, 4, 1))
		target := Zeros(g, shapes.Make(dtypes.Float32, 1, 2, 2, 2, 1))
		return CenterCrop(x, target)
	})
	require.NoError(t, got.Shape().Check(dtypes.Float32, 1, 2, 2, 2, 1))
	want := []float32{21, 22, 25, 26, 37, 38, 41, 42}
	assert.Equal(t, want, tensors.MustCopyFlatData[float32](got))

	// Cropping to a larger target must panic.
	g := NewGraph(backend, "crop-too-large")
	x := Zeros(g, shapes.Make(dtypes.Float32, 1, 2, 2, 2, 1))
	target := Zeros(g, shapes.Make(dtypes.Float32, 1, 4, 4, 4, 1))
	assert.Panics(t, func() { CenterCrop(x, target) })
}

func TestDoubleConv(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	g := NewGraph(backend, "double-conv")
	x := Zeros(g, shapes.Make(dtypes.Float32, 2, 9, 9, 9, 1))
	y := DoubleConv(ctx, x, 4, 8)
	require.NoError(t, y.Shape().CheckDims(2, 5, 5, 5, 8))
}

func TestUpConv(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	g := NewGraph(backend, "up-conv")
	x := Zeros(g, shapes.Make(dtypes.Float32, 2, 3, 3, 3, 4))
	y := UpConv(ctx, x)
	require.NoError(t, y.Shape().CheckDims(2, 6, 6, 6, 4))
}

func TestModelGraph(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := CreateDefaultContext()
	ctx.SetParam(ParamChannels, []int{4, 8, 16, 32})
	g := NewGraph(backend, "unet3d")

	volumes := Zeros(g, shapes.Make(dtypes.Float32, 1, 92, 92, 92, 1))
	outputs := ModelGraph(ctx.In("model"), nil, []*Node{volumes})
	require.Len(t, outputs, 1)
	logits := outputs[0]
	require.NoError(t, logits.Shape().CheckDims(1, 4, 4, 4, 1))
	assert.Greater(t, ctx.NumParameters(), 0, "no variables created by the model graph!?")
	fmt.Printf("\tlogits.shape=%s, #params=%d\n", logits.Shape(), ctx.NumParameters())
}

// TestModelGraphBadInputSize checks that a non-viable input size fails with
// the OutputSpatialDims diagnostic, before any convolution is built.
func TestModelGraphBadInputSize(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := CreateDefaultContext()
	ctx.SetParam(ParamChannels, []int{4, 8, 16, 32})
	g := NewGraph(backend, "unet3d-bad-size")

	// 90³ goes odd on the second pooling: 90 -> 86 -> 43 -> 39.
	volumes := Zeros(g, shapes.Make(dtypes.Float32, 1, 90, 90, 90, 1))
	err := exceptions.TryCatch[error](func() {
		ModelGraph(ctx.In("model"), nil, []*Node{volumes})
	})
	require.Error(t, err)
	assert.ErrorContains(t, err, "pooling")
}

func TestModelGraphMultiClass(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := CreateDefaultContext()
	ctx.SetParam(ParamChannels, []int{4, 8})
	ctx.SetParam(ParamOutputChannels, 3)
	ctx.SetParam(ParamNormalization, "none")
	g := NewGraph(backend, "unet3d-multiclass")

	volumes := Zeros(g, shapes.Make(dtypes.Float32, 2, 20, 20, 20, 1))
	logits := ModelGraph(ctx.In("model"), nil, []*Node{volumes})[0]
	require.NoError(t, logits.Shape().CheckDims(2, 4, 4, 4, 3))
}
