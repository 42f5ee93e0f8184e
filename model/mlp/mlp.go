// Package mlp is a dense policy/value network: a LeakyReLU trunk shared by a
// linear policy head (raw logits) and a tanh value head, trained by analytic
// backpropagation and Adam.
package mlp

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"sync/atomic"

	"github.com/chewxy/math32"
	"github.com/sw965/omw/mathx"
	"github.com/sw965/plaguezero/blas32/tensor/2d"
	"github.com/sw965/plaguezero/blas32/vector"
	"github.com/sw965/plaguezero/model"
	"github.com/sw965/plaguezero/optimizer"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

type GradBuffer struct {
	Weight blas32.General
	Bias   blas32.Vector
}

type GradBuffers []GradBuffer

type Parameter struct {
	Weight blas32.General
	Bias   blas32.Vector
}

func (p *Parameter) IsEmpty() bool {
	return p.Weight.Rows == 0
}

func (p *Parameter) Clone() Parameter {
	return Parameter{
		Weight: tensor2d.Clone(p.Weight),
		Bias:   vector.Clone(p.Bias),
	}
}

type Parameters []Parameter

// Forward maps a [batch, in] matrix to [batch, out] and returns the closure that
// propagates dL/dy back to dL/dx.
type Forward func(blas32.General, *Parameter) (blas32.General, Backward, error)
type Forwards []Forward

type Backward func(blas32.General) (blas32.General, GradBuffer, error)
type Backwards []Backward

func (fs Forwards) Propagate(x blas32.General, params Parameters) (blas32.General, Backwards, error) {
	var err error
	var backward Backward
	backwards := make(Backwards, len(fs))
	for i, f := range fs {
		x, backward, err = f(x, &params[i])
		if err != nil {
			return blas32.General{}, nil, err
		}
		backwards[i] = backward
	}
	slices.Reverse(backwards)
	return x, backwards, nil
}

func (bs Backwards) Propagate(chain blas32.General) (blas32.General, GradBuffers, error) {
	grads := make(GradBuffers, len(bs))
	var grad GradBuffer
	var err error
	for i, b := range bs {
		chain, grad, err = b(chain)
		if err != nil {
			return blas32.General{}, nil, err
		}
		grads[i] = grad
	}
	slices.Reverse(grads)
	return chain, grads, nil
}

func AffineForward(x blas32.General, param *Parameter) (blas32.General, Backward, error) {
	if x.Cols != param.Weight.Rows {
		return blas32.General{}, nil, fmt.Errorf("affine: input has %d columns, weight has %d rows", x.Cols, param.Weight.Rows)
	}
	// y = x·W + b
	y := tensor2d.Dot(blas.NoTrans, blas.NoTrans, x, param.Weight)
	tensor2d.AddRowVector(y, param.Bias)

	var backward Backward
	backward = func(chain blas32.General) (blas32.General, GradBuffer, error) {
		dx := tensor2d.Dot(blas.NoTrans, blas.Trans, chain, param.Weight)
		dw := tensor2d.Dot(blas.Trans, blas.NoTrans, x, chain)
		db := tensor2d.Sum0(chain)
		return dx, GradBuffer{Weight: dw, Bias: db}, nil
	}
	return y, backward, nil
}

func NewLeakyReLUForward(alpha float32) Forward {
	return func(x blas32.General, _ *Parameter) (blas32.General, Backward, error) {
		y := tensor2d.NewZerosLike(x)
		for i, e := range x.Data {
			if e > 0 {
				y.Data[i] = e
			} else {
				y.Data[i] = alpha * e
			}
		}

		var backward Backward
		backward = func(chain blas32.General) (blas32.General, GradBuffer, error) {
			dx := tensor2d.NewZerosLike(chain)
			for i, e := range x.Data {
				if e > 0 {
					dx.Data[i] = chain.Data[i]
				} else {
					dx.Data[i] = alpha * chain.Data[i]
				}
			}
			return dx, GradBuffer{}, nil
		}
		return y, backward, nil
	}
}

type Config struct {
	InputSize    int     `yaml:"input_size"`
	ActionSize   int     `yaml:"action_size"`
	Hidden       []int   `yaml:"hidden"`
	LeakyAlpha   float32 `yaml:"leaky_alpha"`
	LearningRate float32 `yaml:"learning_rate"`
}

func DefaultConfig(cells int) Config {
	return Config{
		InputSize:    cells,
		ActionSize:   cells,
		Hidden:       []int{256, 128},
		LeakyAlpha:   0.01,
		LearningRate: 0.001,
	}
}

// Net implements model.PolicyModel.
type Net struct {
	cfg Config

	Trunk        Parameters
	trunkForward Forwards
	Policy       Parameter
	Value        Parameter

	optimizer *optimizer.Adam
}

func New(cfg Config, rng *rand.Rand) (*Net, error) {
	if cfg.InputSize <= 0 || cfg.ActionSize <= 0 {
		return nil, fmt.Errorf("mlp: input size %d and action size %d must be positive", cfg.InputSize, cfg.ActionSize)
	}
	if len(cfg.Hidden) == 0 {
		return nil, fmt.Errorf("mlp: at least one hidden layer is required")
	}

	n := &Net{cfg: cfg, optimizer: optimizer.NewAdam(cfg.LearningRate)}
	in := cfg.InputSize
	for _, h := range cfg.Hidden {
		n.Trunk = append(n.Trunk, Parameter{
			Weight: tensor2d.NewHe(in, h, rng),
			Bias:   vector.NewZeros(h),
		})
		n.trunkForward = append(n.trunkForward, AffineForward)

		// LeakyReLU はパラメータを持たないので空の Parameter を積む
		n.Trunk = append(n.Trunk, Parameter{})
		n.trunkForward = append(n.trunkForward, NewLeakyReLUForward(cfg.LeakyAlpha))
		in = h
	}
	n.Policy = Parameter{Weight: tensor2d.NewHe(in, cfg.ActionSize, rng), Bias: vector.NewZeros(cfg.ActionSize)}
	n.Value = Parameter{Weight: tensor2d.NewHe(in, 1, rng), Bias: vector.NewZeros(1)}
	return n, nil
}

// NewFactory returns a model.Factory producing independently initialised nets.
func NewFactory(cfg Config, seed uint64) model.Factory {
	var calls atomic.Uint64
	return func() (model.PolicyModel, error) {
		return New(cfg, rand.New(rand.NewPCG(seed, calls.Add(1))))
	}
}

func (n *Net) InputSize() int  { return n.cfg.InputSize }
func (n *Net) ActionSize() int { return n.cfg.ActionSize }

type forwardCache struct {
	out            model.Output
	trunkBackwards Backwards
	policyBackward Backward
	valueBackward  Backward
}

func (n *Net) forward(states blas32.General) (forwardCache, error) {
	if states.Cols != n.cfg.InputSize {
		return forwardCache{}, fmt.Errorf("%w: got %d columns, want %d", model.ErrInputSize, states.Cols, n.cfg.InputSize)
	}
	h, trunkBackwards, err := n.trunkForward.Propagate(states, n.Trunk)
	if err != nil {
		return forwardCache{}, err
	}
	logits, policyBackward, err := AffineForward(h, &n.Policy)
	if err != nil {
		return forwardCache{}, err
	}
	z, valueBackward, err := AffineForward(h, &n.Value)
	if err != nil {
		return forwardCache{}, err
	}
	values := make([]float32, z.Rows)
	for i := range values {
		values[i] = math32.Tanh(z.Data[i])
	}
	return forwardCache{
		out:            model.Output{Logits: logits, Values: values},
		trunkBackwards: trunkBackwards,
		policyBackward: policyBackward,
		valueBackward:  valueBackward,
	}, nil
}

func (n *Net) Forward(states blas32.General) (model.Output, error) {
	cache, err := n.forward(states)
	return cache.out, err
}

func (n *Net) TrainStep(states blas32.General, lossFunc model.LossFunc) (float32, error) {
	loss, params, grads, err := n.Gradients(states, lossFunc)
	if err != nil {
		return 0, err
	}
	if err := n.optimizer.Update(params, grads); err != nil {
		return 0, err
	}
	return loss, nil
}

// Gradients runs forward and backward without updating anything. params aliases the
// live parameter storage and grads[i] is dL/dparams[i].
func (n *Net) Gradients(states blas32.General, lossFunc model.LossFunc) (float32, [][]float32, [][]float32, error) {
	cache, err := n.forward(states)
	if err != nil {
		return 0, nil, nil, err
	}
	loss, grad, err := lossFunc(cache.out)
	if err != nil {
		return 0, nil, nil, err
	}
	if mathx.IsNaN(loss) || mathx.IsInf(loss, 0) {
		return 0, nil, nil, fmt.Errorf("mlp: loss is not finite (%v)", loss)
	}
	if grad.Logits.Rows != states.Rows || len(grad.Values) != states.Rows {
		return 0, nil, nil, fmt.Errorf("mlp: gradient batch (%d, %d) does not match input batch %d", grad.Logits.Rows, len(grad.Values), states.Rows)
	}

	dh, policyGrad, err := cache.policyBackward(grad.Logits)
	if err != nil {
		return 0, nil, nil, err
	}

	// tanh'(z) = 1 - tanh(z)^2
	dz := tensor2d.NewZeros(states.Rows, 1)
	for i, v := range cache.out.Values {
		dz.Data[i] = grad.Values[i] * (1 - v*v)
	}
	dhValue, valueGrad, err := cache.valueBackward(dz)
	if err != nil {
		return 0, nil, nil, err
	}
	tensor2d.Axpy(1.0, dhValue, dh)

	_, trunkGrads, err := cache.trunkBackwards.Propagate(dh)
	if err != nil {
		return 0, nil, nil, err
	}

	params, grads := n.flatten(trunkGrads, policyGrad, valueGrad)
	return loss, params, grads, nil
}

func (n *Net) flatten(trunkGrads GradBuffers, policyGrad, valueGrad GradBuffer) ([][]float32, [][]float32) {
	var params, grads [][]float32
	for i := range n.Trunk {
		if n.Trunk[i].IsEmpty() {
			continue
		}
		params = append(params, n.Trunk[i].Weight.Data, n.Trunk[i].Bias.Data)
		grads = append(grads, trunkGrads[i].Weight.Data, trunkGrads[i].Bias.Data)
	}
	params = append(params, n.Policy.Weight.Data, n.Policy.Bias.Data, n.Value.Weight.Data, n.Value.Bias.Data)
	grads = append(grads, policyGrad.Weight.Data, policyGrad.Bias.Data, valueGrad.Weight.Data, valueGrad.Bias.Data)
	return params, grads
}

func (n *Net) parameters() []*Parameter {
	ps := make([]*Parameter, 0, len(n.Trunk)+2)
	for i := range n.Trunk {
		if !n.Trunk[i].IsEmpty() {
			ps = append(ps, &n.Trunk[i])
		}
	}
	return append(ps, &n.Policy, &n.Value)
}

// Weights returns copies ordered weight, bias per affine layer, trunk first.
func (n *Net) Weights() []model.Weight {
	var ws []model.Weight
	for _, p := range n.parameters() {
		ws = append(ws,
			model.Weight{Shape: []int{p.Weight.Rows, p.Weight.Cols}, Data: slices.Clone(p.Weight.Data)},
			model.Weight{Shape: []int{p.Bias.N}, Data: slices.Clone(p.Bias.Data)},
		)
	}
	return ws
}

func (n *Net) SetWeights(ws []model.Weight) error {
	if err := model.ValidateWeights(n.Weights(), ws); err != nil {
		return err
	}
	for i, p := range n.parameters() {
		copy(p.Weight.Data, ws[2*i].Data)
		copy(p.Bias.Data, ws[2*i+1].Data)
	}
	n.optimizer.Reset()
	return nil
}
