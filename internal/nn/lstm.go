package nn

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/example/go-voicecraft/internal/runtime/tensor"
)

// LSTMCell is a single-step LSTM with gate layout [input, forget, cell,
// output] along the stacked weight rows.
type LSTMCell struct {
	WIH *tensor.Tensor // [4*hidden, in]
	WHH *tensor.Tensor // [4*hidden, hidden]
	BIH *tensor.Tensor // [4*hidden]
	BHH *tensor.Tensor // [4*hidden]

	GradWIH *tensor.Tensor
	GradWHH *tensor.Tensor
	GradBIH *tensor.Tensor
	GradBHH *tensor.Tensor

	in, hidden int
}

func NewLSTMCell(rng *rand.Rand, in, hidden int) (*LSTMCell, error) {
	if in <= 0 || hidden <= 0 {
		return nil, fmt.Errorf("nn: lstm dims must be positive, got %d/%d", in, hidden)
	}

	bound := 1.0 / math.Sqrt(float64(hidden))
	rows := int64(4 * hidden)

	wih, err := tensor.Uniform(rng, []int64{rows, int64(in)}, bound)
	if err != nil {
		return nil, err
	}

	whh, err := tensor.Uniform(rng, []int64{rows, int64(hidden)}, bound)
	if err != nil {
		return nil, err
	}

	bih, err := tensor.Uniform(rng, []int64{rows}, bound)
	if err != nil {
		return nil, err
	}

	bhh, err := tensor.Uniform(rng, []int64{rows}, bound)
	if err != nil {
		return nil, err
	}

	return &LSTMCell{
		WIH:     wih,
		WHH:     whh,
		BIH:     bih,
		BHH:     bhh,
		GradWIH: tensor.MustZeros([]int64{rows, int64(in)}),
		GradWHH: tensor.MustZeros([]int64{rows, int64(hidden)}),
		GradBIH: tensor.MustZeros([]int64{rows}),
		GradBHH: tensor.MustZeros([]int64{rows}),
		in:      in,
		hidden:  hidden,
	}, nil
}

func (c *LSTMCell) Params(prefix string) []Param {
	return []Param{
		{Name: prefix + ".weight_ih", Value: c.WIH, Grad: c.GradWIH},
		{Name: prefix + ".weight_hh", Value: c.WHH, Grad: c.GradWHH},
		{Name: prefix + ".bias_ih", Value: c.BIH, Grad: c.GradBIH},
		{Name: prefix + ".bias_hh", Value: c.BHH, Grad: c.GradBHH},
	}
}

func (c *LSTMCell) HiddenDim() int { return c.hidden }
func (c *LSTMCell) InDim() int     { return c.in }

// ZeroState returns fresh hidden and cell states for a batch.
func (c *LSTMCell) ZeroState(batch int) (*tensor.Tensor, *tensor.Tensor) {
	shape := []int64{int64(batch), int64(c.hidden)}
	return tensor.MustZeros(shape), tensor.MustZeros(shape)
}

// LSTMCellCache holds everything needed to backpropagate one step.
type LSTMCellCache struct {
	x, hPrev, cPrev *tensor.Tensor
	i, f, g, o      []float32 // activated gates, [batch*hidden]
	tanhC           []float32 // tanh of the new cell state
}

// Forward advances the cell one step. x is [batch, in]; h and c are
// [batch, hidden].
func (c *LSTMCell) Forward(x, h, cs *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, *LSTMCellCache, error) {
	if c == nil || c.WIH == nil {
		return nil, nil, nil, errors.New("nn: lstm cell is not initialized")
	}

	if x == nil || x.Rank() != 2 || int(x.Dim(1)) != c.in {
		return nil, nil, nil, fmt.Errorf("nn: lstm input must be [batch, %d]", c.in)
	}

	batch := int(x.Dim(0))
	if int(h.Dim(0)) != batch || int(cs.Dim(0)) != batch {
		return nil, nil, nil, errors.New("nn: lstm state batch mismatch")
	}

	H := c.hidden
	stateShape := []int64{int64(batch), int64(H)}

	hNew, err := tensor.Zeros(stateShape)
	if err != nil {
		return nil, nil, nil, err
	}

	cNew, err := tensor.Zeros(stateShape)
	if err != nil {
		return nil, nil, nil, err
	}

	cache := &LSTMCellCache{
		x:     x,
		hPrev: h,
		cPrev: cs,
		i:     make([]float32, batch*H),
		f:     make([]float32, batch*H),
		g:     make([]float32, batch*H),
		o:     make([]float32, batch*H),
		tanhC: make([]float32, batch*H),
	}

	xData := x.RawData()
	hData := h.RawData()
	cData := cs.RawData()
	hOut := hNew.RawData()
	cOut := cNew.RawData()
	wih := c.WIH.RawData()
	whh := c.WHH.RawData()
	bih := c.BIH.RawData()
	bhh := c.BHH.RawData()

	for b := range batch {
		xRow := xData[b*c.in : (b+1)*c.in]
		hRow := hData[b*H : (b+1)*H]

		for j := range H {
			base := b*H + j

			// Rows j, H+j, 2H+j, 3H+j hold the i/f/g/o gates.
			zi := gatePreact(wih, whh, bih, bhh, xRow, hRow, j, c.in, H)
			zf := gatePreact(wih, whh, bih, bhh, xRow, hRow, H+j, c.in, H)
			zg := gatePreact(wih, whh, bih, bhh, xRow, hRow, 2*H+j, c.in, H)
			zo := gatePreact(wih, whh, bih, bhh, xRow, hRow, 3*H+j, c.in, H)

			iv := sigmoid32(zi)
			fv := sigmoid32(zf)
			gv := float32(math.Tanh(float64(zg)))
			ov := sigmoid32(zo)

			cv := fv*cData[base] + iv*gv
			tc := float32(math.Tanh(float64(cv)))

			cache.i[base] = iv
			cache.f[base] = fv
			cache.g[base] = gv
			cache.o[base] = ov
			cache.tanhC[base] = tc

			cOut[base] = cv
			hOut[base] = ov * tc
		}
	}

	return hNew, cNew, cache, nil
}

func gatePreact(wih, whh, bih, bhh, xRow, hRow []float32, row, in, hidden int) float64 {
	sum := float64(bih[row]) + float64(bhh[row])

	wRow := wih[row*in : (row+1)*in]
	for k := range in {
		sum += float64(wRow[k]) * float64(xRow[k])
	}

	uRow := whh[row*hidden : (row+1)*hidden]
	for k := range hidden {
		sum += float64(uRow[k]) * float64(hRow[k])
	}

	return sum
}

func sigmoid32(z float64) float32 {
	return float32(1.0 / (1.0 + math.Exp(-z)))
}

// Backward takes the gradients flowing into the new hidden and cell
// states and returns gradients for the input and the previous states.
func (c *LSTMCell) Backward(cache *LSTMCellCache, dh, dc *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, *tensor.Tensor, error) {
	if cache == nil {
		return nil, nil, nil, errors.New("nn: lstm backward without forward cache")
	}

	batch := int(cache.x.Dim(0))
	H := c.hidden

	dx, err := tensor.Zeros(cache.x.Shape())
	if err != nil {
		return nil, nil, nil, err
	}

	stateShape := []int64{int64(batch), int64(H)}
	dhPrev := tensor.MustZeros(stateShape)
	dcPrev := tensor.MustZeros(stateShape)

	xData := cache.x.RawData()
	hData := cache.hPrev.RawData()
	cData := cache.cPrev.RawData()
	dhData := dh.RawData()
	dcData := dc.RawData()
	dxData := dx.RawData()
	dhpData := dhPrev.RawData()
	dcpData := dcPrev.RawData()
	wih := c.WIH.RawData()
	whh := c.WHH.RawData()
	gwih := c.GradWIH.RawData()
	gwhh := c.GradWHH.RawData()
	gbih := c.GradBIH.RawData()
	gbhh := c.GradBHH.RawData()

	dz := make([]float64, 4)

	for b := range batch {
		xRow := xData[b*c.in : (b+1)*c.in]
		hRow := hData[b*H : (b+1)*H]
		dxRow := dxData[b*c.in : (b+1)*c.in]
		dhpRow := dhpData[b*H : (b+1)*H]

		for j := range H {
			base := b*H + j

			iv := float64(cache.i[base])
			fv := float64(cache.f[base])
			gv := float64(cache.g[base])
			ov := float64(cache.o[base])
			tc := float64(cache.tanhC[base])

			dH := float64(dhData[base])
			dCTotal := float64(dcData[base]) + dH*ov*(1-tc*tc)

			dO := dH * tc
			dF := dCTotal * float64(cData[base])
			dI := dCTotal * gv
			dG := dCTotal * iv

			dcpData[base] = float32(dCTotal * fv)

			dz[0] = dI * iv * (1 - iv)
			dz[1] = dF * fv * (1 - fv)
			dz[2] = dG * (1 - gv*gv)
			dz[3] = dO * ov * (1 - ov)

			for gate := range 4 {
				g := dz[gate]
				if g == 0 {
					continue
				}

				row := gate*H + j
				gbih[row] += float32(g)
				gbhh[row] += float32(g)

				wRow := wih[row*c.in : (row+1)*c.in]
				gwRow := gwih[row*c.in : (row+1)*c.in]
				for k := range c.in {
					gwRow[k] += float32(g * float64(xRow[k]))
					dxRow[k] += float32(g * float64(wRow[k]))
				}

				uRow := whh[row*H : (row+1)*H]
				guRow := gwhh[row*H : (row+1)*H]
				for k := range H {
					guRow[k] += float32(g * float64(hRow[k]))
					dhpRow[k] += float32(g * float64(uRow[k]))
				}
			}
		}
	}

	return dx, dhPrev, dcPrev, nil
}

// BiLSTM runs two LSTM cells over a sequence, one per direction, and
// concatenates their per-step outputs.
type BiLSTM struct {
	Fwd *LSTMCell
	Bwd *LSTMCell

	in, hidden int
}

func NewBiLSTM(rng *rand.Rand, in, hidden int) (*BiLSTM, error) {
	fwd, err := NewLSTMCell(rng, in, hidden)
	if err != nil {
		return nil, err
	}

	bwd, err := NewLSTMCell(rng, in, hidden)
	if err != nil {
		return nil, err
	}

	return &BiLSTM{Fwd: fwd, Bwd: bwd, in: in, hidden: hidden}, nil
}

func (l *BiLSTM) Params(prefix string) []Param {
	params := l.Fwd.Params(prefix + ".fwd")
	return append(params, l.Bwd.Params(prefix+".bwd")...)
}

// BiLSTMCache stores per-item step caches for both directions.
type BiLSTMCache struct {
	fwdSteps [][]*LSTMCellCache // [batch][steps up to length]
	bwdSteps [][]*LSTMCellCache
	lengths  []int
	inShape  []int64
}

// Forward processes x [batch, time, in] and returns [batch, time,
// 2*hidden]. Positions at or past each sequence length stay zero and
// do not advance the recurrent state.
func (l *BiLSTM) Forward(x *tensor.Tensor, lengths []int) (*tensor.Tensor, *BiLSTMCache, error) {
	if x == nil || x.Rank() != 3 || int(x.Dim(2)) != l.in {
		return nil, nil, fmt.Errorf("nn: bilstm expects [batch, time, %d] input", l.in)
	}

	batch := int(x.Dim(0))
	T := int(x.Dim(1))

	if len(lengths) != batch {
		return nil, nil, fmt.Errorf("nn: bilstm got %d lengths for batch %d", len(lengths), batch)
	}

	for b, n := range lengths {
		if n < 1 || n > T {
			return nil, nil, fmt.Errorf("nn: bilstm length %d out of range for item %d", n, b)
		}
	}

	out, err := tensor.Zeros([]int64{int64(batch), int64(T), int64(2 * l.hidden)})
	if err != nil {
		return nil, nil, err
	}

	cache := &BiLSTMCache{
		fwdSteps: make([][]*LSTMCellCache, batch),
		bwdSteps: make([][]*LSTMCellCache, batch),
		lengths:  lengths,
		inShape:  x.Shape(),
	}

	xData := x.RawData()
	outData := out.RawData()
	H := l.hidden

	for b := range batch {
		n := lengths[b]
		cache.fwdSteps[b] = make([]*LSTMCellCache, n)
		cache.bwdSteps[b] = make([]*LSTMCellCache, n)

		h, cs := l.Fwd.ZeroState(1)
		for t := range n {
			xt, err := stepInput(xData, b, t, T, l.in)
			if err != nil {
				return nil, nil, err
			}

			h, cs, cache.fwdSteps[b][t], err = l.Fwd.Forward(xt, h, cs)
			if err != nil {
				return nil, nil, err
			}

			copy(outData[(b*T+t)*2*H:(b*T+t)*2*H+H], h.RawData())
		}

		h, cs = l.Bwd.ZeroState(1)
		for step := range n {
			t := n - 1 - step

			xt, err := stepInput(xData, b, t, T, l.in)
			if err != nil {
				return nil, nil, err
			}

			h, cs, cache.bwdSteps[b][t], err = l.Bwd.Forward(xt, h, cs)
			if err != nil {
				return nil, nil, err
			}

			copy(outData[(b*T+t)*2*H+H:(b*T+t+1)*2*H], h.RawData())
		}
	}

	return out, cache, nil
}

func stepInput(xData []float32, b, t, T, in int) (*tensor.Tensor, error) {
	xt, err := tensor.Zeros([]int64{1, int64(in)})
	if err != nil {
		return nil, err
	}

	copy(xt.RawData(), xData[(b*T+t)*in:(b*T+t+1)*in])
	return xt, nil
}

// Backward propagates dOut [batch, time, 2*hidden] back to the input.
func (l *BiLSTM) Backward(cache *BiLSTMCache, dOut *tensor.Tensor) (*tensor.Tensor, error) {
	if cache == nil {
		return nil, errors.New("nn: bilstm backward without forward cache")
	}

	batch := int(cache.inShape[0])
	T := int(cache.inShape[1])
	H := l.hidden

	if dOut == nil || dOut.ElemCount() != batch*T*2*H {
		return nil, fmt.Errorf("nn: bilstm backward gradient elements, want %d", batch*T*2*H)
	}

	dx, err := tensor.Zeros(cache.inShape)
	if err != nil {
		return nil, err
	}

	dOutData := dOut.RawData()
	dxData := dx.RawData()

	stateShape := []int64{1, int64(H)}

	for b := range batch {
		n := cache.lengths[b]

		// Forward direction unrolls in reverse step order.
		dh := tensor.MustZeros(stateShape)
		dc := tensor.MustZeros(stateShape)
		for step := range n {
			t := n - 1 - step

			copyAdd(dh.RawData(), dOutData[(b*T+t)*2*H:(b*T+t)*2*H+H])

			dxt, dhPrev, dcPrev, err := l.Fwd.Backward(cache.fwdSteps[b][t], dh, dc)
			if err != nil {
				return nil, err
			}

			copyAdd(dxData[(b*T+t)*l.in:(b*T+t+1)*l.in], dxt.RawData())
			dh, dc = dhPrev, dcPrev
		}

		// Backward direction unrolls in ascending time order.
		dh = tensor.MustZeros(stateShape)
		dc = tensor.MustZeros(stateShape)
		for t := range n {
			copyAdd(dh.RawData(), dOutData[(b*T+t)*2*H+H:(b*T+t+1)*2*H])

			dxt, dhPrev, dcPrev, err := l.Bwd.Backward(cache.bwdSteps[b][t], dh, dc)
			if err != nil {
				return nil, err
			}

			copyAdd(dxData[(b*T+t)*l.in:(b*T+t+1)*l.in], dxt.RawData())
			dh, dc = dhPrev, dcPrev
		}
	}

	return dx, nil
}

func copyAdd(dst, src []float32) {
	for i := range src {
		dst[i] += src[i]
	}
}
