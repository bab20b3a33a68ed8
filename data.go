// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package unet3d

import (
	"math/rand"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
)

const (
	// ParamVolumeSize is the context hyperparameter with the cubic input
	// volume size. The smallest viable size for the default network is 92
	// (see OutputSpatialDims). The default is 92.
	ParamVolumeSize = "data_volume_size"

	// ParamTrainExamples is the number of synthetic training volumes.
	ParamTrainExamples = "data_train_examples"

	// ParamEvalExamples is the number of synthetic validation volumes.
	ParamEvalExamples = "data_eval_examples"

	// ParamDataSeed seeds the synthetic data generator, so runs are
	// reproducible. The validation split uses ParamDataSeed+1.
	ParamDataSeed = "data_seed"
)

// generateExample creates one synthetic volume and its segmentation mask: a
// random bright ellipsoid (the "lesion") over a noisy background. The mask
// is generated directly on the center grid of the model output size given by
// outDims, so labels align with the logits without further cropping.
//
// It returns the flat (row-major) voxel data of the volume, shaped
// `[dims..., 1]`, and of the binary mask, shaped `[outDims..., 1]`.
func generateExample(rng *rand.Rand, dims, outDims []int) (volume, mask []float32) {
	// Random ellipsoid center and radii, kept inside the central region so
	// that part of the lesion is visible in the cropped mask.
	var center, radii [3]float64
	for axis := 0; axis < 3; axis++ {
		size := float64(dims[axis])
		radii[axis] = size/8 + rng.Float64()*size/8
		margin := float64(dims[axis]-outDims[axis]) / 2
		center[axis] = margin + rng.Float64()*float64(outDims[axis])
	}

	inside := func(z, y, x int) bool {
		var sum float64
		for axis, coord := range [3]int{z, y, x} {
			delta := (float64(coord) - center[axis]) / radii[axis]
			sum += delta * delta
		}
		return sum <= 1
	}

	volume = make([]float32, dims[0]*dims[1]*dims[2])
	pos := 0
	for z := 0; z < dims[0]; z++ {
		for y := 0; y < dims[1]; y++ {
			for x := 0; x < dims[2]; x++ {
				value := 0.1 * float32(rng.NormFloat64())
				if inside(z, y, x) {
					value += 1.0
				}
				volume[pos] = value
				pos++
			}
		}
	}

	mask = make([]float32, outDims[0]*outDims[1]*outDims[2])
	pos = 0
	for z := 0; z < outDims[0]; z++ {
		for y := 0; y < outDims[1]; y++ {
			for x := 0; x < outDims[2]; x++ {
				offZ := z + (dims[0]-outDims[0])/2
				offY := y + (dims[1]-outDims[1])/2
				offX := x + (dims[2]-outDims[2])/2
				if inside(offZ, offY, offX) {
					mask[pos] = 1
				}
				pos++
			}
		}
	}
	return
}

// GenerateVolumes creates numExamples synthetic volumes and masks, as
// tensors shaped `[numExamples, dims..., 1]` and `[numExamples, outDims..., 1]`
// respectively. The same seed always generates the same data.
//
// With numClasses <= 1 the masks are float32 binary occupancy, the format
// binary cross-entropy expects. With numClasses >= 2 the masks are int32
// class ids in [0, numClasses): each example's lesion is assigned a random
// class, the background is class 0 -- the "sparse" format categorical
// cross-entropy expects.
func GenerateVolumes(seed int64, numExamples, numClasses int, dims, outDims []int) (volumes, masks *tensors.Tensor) {
	rng := rand.New(rand.NewSource(seed))
	volumeLen := dims[0] * dims[1] * dims[2]
	maskLen := outDims[0] * outDims[1] * outDims[2]
	volumesData := make([]float32, 0, numExamples*volumeLen)
	var binaryMasks []float32
	var classMasks []int32
	if numClasses > 1 {
		classMasks = make([]int32, 0, numExamples*maskLen)
	} else {
		binaryMasks = make([]float32, 0, numExamples*maskLen)
	}
	for ii := 0; ii < numExamples; ii++ {
		lesionClass := int32(1)
		if numClasses > 2 {
			lesionClass = 1 + rng.Int31n(int32(numClasses-1))
		}
		volume, mask := generateExample(rng, dims, outDims)
		volumesData = append(volumesData, volume...)
		if numClasses > 1 {
			for _, v := range mask {
				classMasks = append(classMasks, int32(v)*lesionClass)
			}
		} else {
			binaryMasks = append(binaryMasks, mask...)
		}
	}
	volumes = tensors.FromFlatDataAndDimensions(volumesData, numExamples, dims[0], dims[1], dims[2], 1)
	if numClasses > 1 {
		masks = tensors.FromFlatDataAndDimensions(classMasks, numExamples, outDims[0], outDims[1], outDims[2], 1)
	} else {
		masks = tensors.FromFlatDataAndDimensions(binaryMasks, numExamples, outDims[0], outDims[1], outDims[2], 1)
	}
	return
}

// NewDataset creates an InMemoryDataset of numExamples synthetic volumes
// with the given input spatial dimensions. outDims must be the model output
// spatial dimensions (OutputSpatialDims), used for the masks. numClasses
// selects the mask format, see GenerateVolumes.
//
// The returned dataset is not batched nor shuffled, configure it with the
// InMemoryDataset methods.
func NewDataset(backend backends.Backend, name string, seed int64, numExamples, numClasses int, dims, outDims []int) (*datasets.InMemoryDataset, error) {
	volumes, masks := GenerateVolumes(seed, numExamples, numClasses, dims, outDims)
	ds, err := datasets.InMemoryFromData(backend, name, []any{volumes}, []any{masks})
	if err != nil {
		return nil, errors.WithMessagef(err, "building dataset %q", name)
	}
	return ds, nil
}

// CreateDatasets returns the training and evaluation datasets configured by
// the context hyperparameters: an infinite shuffled dataset for training and
// two sequential ones for evaluation on the train and validation splits.
// The mask format follows the ParamLoss selection (see GenerateVolumes).
func CreateDatasets(backend backends.Backend, ctx *context.Context, batchSize, evalBatchSize int) (trainDS, trainEvalDS, validationEvalDS train.Dataset, err error) {
	size := context.GetParamOr(ctx, ParamVolumeSize, 92)
	channelsList := context.GetParamOr(ctx, ParamChannels, defaultChannels())
	dims := []int{size, size, size}
	outDims := OutputSpatialDims(len(channelsList)-1, dims...)
	numClasses := numClassesFromContext(ctx)

	seed := int64(context.GetParamOr(ctx, ParamDataSeed, 42))
	numTrain := context.GetParamOr(ctx, ParamTrainExamples, 16)
	numEval := context.GetParamOr(ctx, ParamEvalExamples, 8)

	baseTrain, err := NewDataset(backend, "training", seed, numTrain, numClasses, dims, outDims)
	if err != nil {
		return
	}
	baseValidation, err := NewDataset(backend, "validation", seed+1, numEval, numClasses, dims, outDims)
	if err != nil {
		return
	}
	trainDS = baseTrain.Copy().BatchSize(batchSize, true).Shuffle().Infinite(true)
	trainEvalDS = baseTrain.BatchSize(evalBatchSize, false)
	validationEvalDS = baseValidation.BatchSize(evalBatchSize, false)
	return
}
