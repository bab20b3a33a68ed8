// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package unet3d

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
)

const (
	// MomentumSGDDefaultLearningRate is used when neither the configuration
	// nor the context sets a learning rate.
	MomentumSGDDefaultLearningRate = 0.02

	// MomentumSGDDefaultMomentum is the default momentum coefficient.
	MomentumSGDDefaultMomentum = 0.99

	// MomentumSGDScope is the scope under which the velocity variables and
	// the optimizer step are stored.
	MomentumSGDScope = "MomentumSGDOptimizer"

	// ParamMomentum is the context hyperparameter with the momentum
	// coefficient. The default is MomentumSGDDefaultMomentum.
	ParamMomentum = "momentum"
)

// MomentumSGD returns a configuration for a stochastic gradient descent
// optimizer with (heavy-ball) momentum:
//
//	velocity = momentum*velocity + gradient
//	weight  -= learningRate * velocity
//
// GoMLX's built-in SGD has no momentum term, so this keeps one non-trainable
// velocity variable per trainable variable, the same way the Adam optimizer
// keeps its moments.
//
// The learning rate defaults to the "learning_rate" context hyperparameter
// (or MomentumSGDDefaultLearningRate) and the momentum to the "momentum"
// hyperparameter (or MomentumSGDDefaultMomentum). Once configured, call
// MomentumSGDConfig.Done to get an optimizers.Interface.
func MomentumSGD() *MomentumSGDConfig {
	return &MomentumSGDConfig{
		scopeName:    MomentumSGDScope,
		learningRate: -1, // -1 means not set, read it from the context.
		momentum:     -1,
	}
}

// MomentumSGDConfig is created with MomentumSGD and configures the optimizer
// before Done is called.
type MomentumSGDConfig struct {
	scopeName    string
	learningRate float64
	momentum     float64
}

// WithLearningRate sets the initial learning rate, overriding the
// "learning_rate" context hyperparameter. It returns itself to allow
// chaining.
func (c *MomentumSGDConfig) WithLearningRate(learningRate float64) *MomentumSGDConfig {
	c.learningRate = learningRate
	return c
}

// WithMomentum sets the momentum coefficient, overriding the "momentum"
// context hyperparameter. It returns itself to allow chaining.
func (c *MomentumSGDConfig) WithMomentum(momentum float64) *MomentumSGDConfig {
	if momentum < 0 || momentum >= 1 {
		exceptions.Panicf("momentum must be in the range [0, 1), got %g", momentum)
	}
	c.momentum = momentum
	return c
}

// Done finishes the configuration and returns an optimizers.Interface.
func (c *MomentumSGDConfig) Done() optimizers.Interface {
	return &momentumSGD{config: c}
}

// momentumSGD implements optimizers.Interface.
type momentumSGD struct {
	config *MomentumSGDConfig
}

// UpdateGraph builds the graph to update the weights for one training step.
// It implements optimizers.Interface.
func (o *momentumSGD) UpdateGraph(ctx *context.Context, g *Graph, loss *Node) {
	_ = g
	if !loss.Shape().IsScalar() {
		exceptions.Panicf("optimizer requires a scalar loss to optimize, got loss.shape=%s instead", loss.Shape())
	}
	grads := ctx.BuildTrainableVariablesGradientsGraph(loss)
	o.UpdateGraphWithGradients(ctx, grads, loss.DType())
}

func (o *momentumSGD) UpdateGraphWithGradients(ctx *context.Context, grads []*Node, lossDType dtypes.DType) {
	if len(grads) == 0 {
		return
	}
	dtype := lossDType
	g := grads[0].Graph()

	lrValue := o.config.learningRate
	if lrValue < 0 {
		lrValue = context.GetParamOr(ctx, optimizers.ParamLearningRate, MomentumSGDDefaultLearningRate)
	}
	momentumValue := o.config.momentum
	if momentumValue < 0 {
		momentumValue = context.GetParamOr(ctx, ParamMomentum, MomentumSGDDefaultMomentum)
	}

	lrVar := optimizers.LearningRateVar(ctx, dtype, lrValue)
	learningRate := lrVar.ValueGraph(g)
	momentum := Const(g, shapes.CastAsDType(momentumValue, dtype))
	_ = optimizers.IncrementGlobalStepGraph(ctx, g, dtype)

	// Apply gradient one variable at a time.
	numTrainable := len(grads)
	varIdx := 0
	for v := range ctx.IterVariables() {
		if !v.Trainable || !v.InUseByGraph(g) {
			continue
		}
		if varIdx < numTrainable {
			o.applyGraph(ctx, g, v, dtype, grads[varIdx], learningRate, momentum)
		}
		varIdx++
	}
	if varIdx != numTrainable {
		exceptions.Panicf("Context.BuildTrainableVariablesGradientsGraph returned gradients for %d variables, but "+
			"MomentumSGD only sees %d variables -- were new variables created in between?",
			numTrainable, varIdx)
	}
}

// applyGraph updates one trainable variable and its velocity.
func (o *momentumSGD) applyGraph(ctx *context.Context, g *Graph, v *context.Variable, dtype dtypes.DType,
	grad, learningRate, momentum *Node) {
	velocityVar := o.velocityVariable(ctx, v, dtype)
	velocity := velocityVar.ValueGraph(g)

	if grad.DType() != dtype {
		grad = ConvertDType(grad, dtype)
	}
	optimizers.TraceNaNInGradients(ctx, v, grad)
	grad = optimizers.ClipNaNsInGradients(ctx, grad)

	velocity = Add(Mul(momentum, velocity), grad)
	velocityVar.SetValueGraph(velocity)

	step := Mul(learningRate, velocity)
	step = optimizers.ClipStepByValue(ctx, step)

	value := v.ValueGraph(g)
	if value.DType() != dtype {
		value = ConvertDType(value, dtype)
	}
	updated := Sub(value, step)
	updated = optimizers.ClipNaNsInUpdates(ctx, value, updated)
	if v.Shape().DType != dtype {
		updated = ConvertDType(updated, v.Shape().DType)
	}
	v.SetValueGraph(updated)
}

// velocityVariable returns the velocity variable for the given trainable
// variable, creating it (zero-initialized) on first use. It lives under the
// optimizer scope, mirroring the trainable variable's own scope.
func (o *momentumSGD) velocityVariable(ctx *context.Context, trainable *context.Variable, dtype dtypes.DType) *context.Variable {
	scopePath := fmt.Sprintf("%s%s%s", context.ScopeSeparator, o.config.scopeName, trainable.Scope())
	name := fmt.Sprintf("%s_velocity", trainable.Name())
	shape := trainable.Shape().Clone()
	shape.DType = dtype
	return ctx.Checked(false).
		InAbsPath(scopePath).
		WithInitializer(initializers.Zero).
		VariableWithShape(name, shape).
		SetTrainable(false)
}

// Clear deletes all the optimizer velocity variables.
// It implements optimizers.Interface.
func (o *momentumSGD) Clear(ctx *context.Context) error {
	return ctx.In(o.config.scopeName).DeleteVariablesInScope()
}
