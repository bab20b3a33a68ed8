// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package unet3d implements a 3D U-Net segmentation model on GoMLX.
//
// The network is the classic encoder/decoder shape: a stack of double
// convolution blocks (two unpadded 3x3x3 convolutions, each followed by
// batch normalization and ReLU) separated by 2x2x2 max-poolings on the way
// down, and by channel-preserving 2x2x2 transposed convolutions on the way
// up. Because the convolutions are unpadded ("valid"), the encoder feature
// maps are larger than their decoder counterparts and are center-cropped
// before being concatenated as skip connections.
//
// Volumes are channels-last, shaped `[batch, depth, height, width, channels]`.
//
// The training harness lives in train.go, and the `demo/` subdirectory has
// the command-line trainer.
package unet3d

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
)

const (
	// ParamChannels is the context hyperparameter with the number of output
	// channels of each encoder level, from the outermost (largest spatial
	// size) to the bottleneck. Each level but the last is followed by a
	// pooling, so a list of N channels means N-1 poolings. The default is
	// `[]int{64, 128, 256, 512}`.
	ParamChannels = "unet_channels"

	// ParamOutputChannels is the context hyperparameter with the number of
	// channels (classes) of the output logits. The default is 1, a single
	// binary segmentation mask.
	ParamOutputChannels = "unet_output_channels"

	// ParamNormalization selects the normalization applied after each
	// convolution of a double conv block: "batch" (default), "layer" or
	// "none".
	ParamNormalization = "unet_normalization"
)

// defaultChannels returns a fresh copy of the default encoder channels.
func defaultChannels() []int {
	return []int{64, 128, 256, 512}
}

// normalizeLayer applies the normalization selected by ParamNormalization.
func normalizeLayer(ctx *context.Context, x *Node) *Node {
	norm := context.GetParamOr(ctx, ParamNormalization, "batch")
	switch norm {
	case "batch":
		x = batchnorm.New(ctx, x, -1).Done()
	case "layer":
		x = layers.LayerNormalization(ctx, x, 1, 2, 3).Done()
	case "none", "":
		// No-op.
	default:
		exceptions.Panicf("invalid %q setting %q: valid values are batch, layer or none",
			ParamNormalization, norm)
	}
	return x
}

// DoubleConv applies two unpadded 3x3x3 convolutions, each followed by
// normalization and ReLU. The first convolution outputs midChannels, the
// second outChannels. Each spatial axis shrinks by 4.
func DoubleConv(ctx *context.Context, x *Node, midChannels, outChannels int) *Node {
	x.AssertRank(5)
	for ii, channels := range [2]int{midChannels, outChannels} {
		convCtx := ctx.Inf("conv_%d", ii)
		x = layers.Convolution(convCtx, x).Channels(channels).KernelSize(3).NoPadding().Done()
		x = normalizeLayer(convCtx, x)
		x = activations.Relu(x)
	}
	return x
}

// CenterCrop slices the spatial axes (1, 2 and 3) of x down to the spatial
// dimensions of target, removing half of the excess from the low side of
// each axis. Batch and channel axes are taken in full.
//
// It panics if any spatial dimension of x is smaller than target's.
func CenterCrop(x, target *Node) *Node {
	x.AssertRank(5)
	target.AssertRank(5)
	specs := make([]SliceAxisSpec, x.Rank())
	specs[0] = AxisRange()
	specs[x.Rank()-1] = AxisRange()
	for axis := 1; axis <= 3; axis++ {
		dim := x.Shape().Dimensions[axis]
		want := target.Shape().Dimensions[axis]
		if dim < want {
			exceptions.Panicf("CenterCrop: axis %d of x has dimension %d, smaller than the target dimension %d",
				axis, dim, want)
		}
		low := (dim - want) / 2
		specs[axis] = AxisRange(low, low+want)
	}
	return Slice(x, specs...)
}

// UpConv applies a channel-preserving transposed convolution with kernel and
// stride 2, doubling each spatial axis. GoMLX has no dedicated transposed
// convolution layer, so it is expressed as a convolution over the input
// dilated by 2, with one voxel of padding on each side -- the same
// construction GoMLX uses for the gradient of a strided convolution.
func UpConv(ctx *context.Context, x *Node) *Node {
	x.AssertRank(5)
	ctx = ctx.In("upconv")
	g := x.Graph()
	dtype := x.DType()
	channels := x.Shape().Dimensions[x.Rank()-1]

	kernelVar := ctx.VariableWithShape("weights", shapes.Make(dtype, 2, 2, 2, channels, channels))
	kernel := kernelVar.ValueGraph(g)
	x = Convolve(x, kernel).
		InputDilationPerAxis(2, 2, 2).
		PaddingPerDim([][2]int{{1, 1}, {1, 1}, {1, 1}}).
		Done()

	biasVar := ctx.VariableWithShape("biases", shapes.Make(dtype, channels))
	bias := biasVar.ValueGraph(g)
	return Add(x, ExpandLeftToRank(bias, x.Rank()))
}

// ModelGraph builds the 3D U-Net forward graph. It implements train.ModelFn.
//
// inputs[0] must be the batch of volumes, shaped
// `[batch, depth, height, width, inputChannels]`. It returns one output, the
// segmentation logits, shaped `[batch, d', h', w', outputChannels]` where the
// spatial dimensions are given by OutputSpatialDims -- unpadded convolutions
// shrink the volume.
//
// Hyperparameters read from ctx: ParamChannels, ParamOutputChannels and
// ParamNormalization.
func ModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	_ = spec
	volumes := inputs[0]
	volumes.AssertRank(5)
	channelsList := context.GetParamOr(ctx, ParamChannels, defaultChannels())
	outputChannels := context.GetParamOr(ctx, ParamOutputChannels, 1)
	if len(channelsList) < 2 {
		exceptions.Panicf("hyperparameter %q must have at least 2 levels, got %v",
			ParamChannels, channelsList)
	}

	// Check the input size upfront: OutputSpatialDims panics with the
	// offending axis and level for non-viable sizes, long before a
	// convolution deep in the graph would fail with a cryptic shape error.
	batchSize := volumes.Shape().Dimensions[0]
	spatialDims := OutputSpatialDims(len(channelsList)-1, volumes.Shape().Dimensions[1:4]...)

	// nextCtx returns a new scope prefixed with a counter, to give a nice
	// ordering to the variables.
	layerIdx := 0
	nextCtx := func(name string) *context.Context {
		scopedCtx := ctx.Inf("%03d_%s", layerIdx, name)
		layerIdx++
		return scopedCtx
	}

	// Encoder: double conv per level, pooling in between. Keep the feature
	// maps of all but the bottleneck level for the skip connections.
	x := volumes
	skips := make([]*Node, 0, len(channelsList)-1)
	for level, channels := range channelsList {
		if level > 0 {
			x = MaxPool(x).Window(2).NoPadding().Done()
		}
		x = DoubleConv(nextCtx("encoder"), x, channels/2, channels)
		if level < len(channelsList)-1 {
			skips = append(skips, x)
		}
	}

	// Decoder: up-convolution, center-cropped skip concatenation, double conv.
	for level := len(channelsList) - 2; level >= 0; level-- {
		x = UpConv(nextCtx("decoder"), x)
		skip := skips[level]
		skip = CenterCrop(skip, x)
		x = Concatenate([]*Node{skip, x}, -1)
		channels := channelsList[level]
		x = DoubleConv(nextCtx("decoder"), x, channels, channels)
	}

	// Per-voxel readout.
	logits := layers.Convolution(nextCtx("readout"), x).
		Channels(outputChannels).KernelSize(1).Done()

	logits.AssertDims(batchSize, spatialDims[0], spatialDims[1], spatialDims[2], outputChannels)
	return []*Node{logits}
}

// OutputSpatialDims returns the spatial dimensions of the model logits for
// the given input spatial dimensions, with numPoolings pooling/up-sampling
// levels (`len(channels)-1` for the ParamChannels hyperparameter).
//
// It panics when an input size is not viable: a feature map must stay larger
// than the 3x3x3 kernels, and must be even whenever it reaches a pooling.
// The smallest viable cubic input for the default 3-pooling network is 92.
func OutputSpatialDims(numPoolings int, dims ...int) []int {
	out := make([]int, len(dims))
	for axis, size := range dims {
		size = doubleConvDim(axis, size)
		for level := 0; level < numPoolings; level++ {
			if size%2 != 0 {
				exceptions.Panicf("input axis %d: feature map dimension %d is odd when reaching pooling level %d -- "+
					"choose an input size for which every pooled dimension is even", axis, size, level)
			}
			size = doubleConvDim(axis, size/2)
		}
		for level := 0; level < numPoolings; level++ {
			size = doubleConvDim(axis, size*2)
		}
		out[axis] = size
	}
	return out
}

// doubleConvDim is the spatial size after one double conv block: two
// unpadded 3x3x3 convolutions remove 4.
func doubleConvDim(axis, size int) int {
	if size < 5 {
		exceptions.Panicf("input axis %d: feature map dimension %d is too small for two unpadded 3x3x3 convolutions -- "+
			"increase the input size or use fewer levels in %q", axis, size, ParamChannels)
	}
	return size - 4
}
