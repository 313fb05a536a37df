package cpu

import (
	"context"
	"fmt"
	"math"

	"github.com/samcharles93/chunkllm/internal/artifact"
	"github.com/samcharles93/chunkllm/internal/mlmodel"
	"github.com/samcharles93/chunkllm/internal/tensor"
)

const defaultEps = 1e-5

// embedding looks up token rows and adds a sinusoidal position signal when
// the model declares a positions input.
type embedding struct {
	window, hidden int
	embed          tensor.Mat
}

func newEmbedding(f *artifact.File, desc mlmodel.Description) (kernel, error) {
	tok, err := feature(desc.Inputs, mlmodel.RoleTokens, KindEmbedding)
	if err != nil {
		return nil, err
	}
	hid, err := feature(desc.Outputs, mlmodel.RoleHidden, KindEmbedding)
	if err != nil {
		return nil, err
	}
	k := &embedding{window: tok.Shape.Dim(-1), hidden: hid.Shape.Dim(-1)}
	if hid.Shape.Dim(-2) != k.window {
		return nil, fmt.Errorf("%w: hidden %s does not match window %d", artifact.ErrInvalidManifest, hid.Shape, k.window)
	}
	w, err := f.Weight("embed")
	if err != nil {
		return nil, err
	}
	if w.C != k.hidden {
		return nil, fmt.Errorf("%w: embed width %d, want %d", artifact.ErrInvalidManifest, w.C, k.hidden)
	}
	k.embed = w
	return k, nil
}

func (k *embedding) run(ctx context.Context, in, out bound) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	toks := in.one(mlmodel.RoleTokens)
	pos := in.one(mlmodel.RolePositions)
	hidden := out.one(mlmodel.RoleHidden)
	row := make([]float32, k.hidden)
	for i := range k.window {
		id := int(toks.At(i))
		if id < 0 || id >= k.embed.R {
			return fmt.Errorf("token %d outside vocabulary of %d", id, k.embed.R)
		}
		copy(row, k.embed.Row(id))
		if pos != nil {
			addPosition(row, float64(pos.At(i)))
		}
		hidden.WriteFloat32(row, i*k.hidden)
	}
	return nil
}

func addPosition(row []float32, p float64) {
	d := float64(len(row))
	for j := range row {
		freq := math.Pow(10000, -float64(j&^1)/d)
		if j%2 == 0 {
			row[j] += float32(0.1 * math.Sin(p*freq))
		} else {
			row[j] += float32(0.1 * math.Cos(p*freq))
		}
	}
}

// block is a single-head causal attention layer with a residual connection.
// Keys and values of the current window are emitted for the cache model.
type block struct {
	window, hidden, cache int
	eps                   float32
	norm                  tensor.Mat
	wq, wk, wv, wo        tensor.Mat
}

func newBlock(f *artifact.File, desc mlmodel.Description) (kernel, error) {
	hid, err := feature(desc.Inputs, mlmodel.RoleHidden, KindBlock)
	if err != nil {
		return nil, err
	}
	mask, err := feature(desc.Inputs, mlmodel.RoleMask, KindBlock)
	if err != nil {
		return nil, err
	}
	for _, r := range []mlmodel.Role{mlmodel.RoleHidden, mlmodel.RoleNewKey, mlmodel.RoleNewValue} {
		if _, err := feature(desc.Outputs, r, KindBlock); err != nil {
			return nil, err
		}
	}
	k := &block{window: hid.Shape.Dim(-2), hidden: hid.Shape.Dim(-1), eps: f.Manifest.Params.Eps}
	if k.eps == 0 {
		k.eps = defaultEps
	}
	if kc, ok := desc.InputByRole(mlmodel.RoleKeyCache); ok {
		k.cache = kc.Shape.Dim(-2)
		if _, err := feature(desc.Inputs, mlmodel.RoleValueCache, KindBlock); err != nil {
			return nil, err
		}
	}
	if mask.Shape.Dim(-1) != k.cache+k.window || mask.Shape.Dim(-2) != k.window {
		return nil, fmt.Errorf("%w: mask %s, want [...x%dx%d]", artifact.ErrInvalidManifest, mask.Shape, k.window, k.cache+k.window)
	}
	if k.norm, err = weight(f, "norm", 1, k.hidden); err != nil {
		return nil, err
	}
	for name, dst := range map[string]*tensor.Mat{"wq": &k.wq, "wk": &k.wk, "wv": &k.wv, "wo": &k.wo} {
		if *dst, err = weight(f, name, k.hidden, k.hidden); err != nil {
			return nil, err
		}
	}
	return k, nil
}

func (k *block) run(ctx context.Context, in, out bound) error {
	H, W, C := k.hidden, k.window, k.cache
	h := make([]float32, W*H)
	in.one(mlmodel.RoleHidden).ReadFloat32(h, 0)

	x := make([]float32, H)
	q := make([]float32, W*H)
	keys := make([]float32, (C+W)*H)
	vals := make([]float32, (C+W)*H)
	if C > 0 {
		in.one(mlmodel.RoleKeyCache).ReadFloat32(keys[:C*H], 0)
		in.one(mlmodel.RoleValueCache).ReadFloat32(vals[:C*H], 0)
	}
	for i := range W {
		row := h[i*H : (i+1)*H]
		tensor.RMSNorm(x, row, k.norm.Row(0), k.eps)
		tensor.MatVec(q[i*H:(i+1)*H], &k.wq, x)
		tensor.MatVec(keys[(C+i)*H:(C+i+1)*H], &k.wk, x)
		tensor.MatVec(vals[(C+i)*H:(C+i+1)*H], &k.wv, x)
	}
	out.one(mlmodel.RoleNewKey).WriteFloat32(keys[C*H:], 0)
	out.one(mlmodel.RoleNewValue).WriteFloat32(vals[C*H:], 0)

	mask := in.one(mlmodel.RoleMask)
	maskRow := make([]float32, C+W)
	scores := make([]float32, C+W)
	attn := make([]float32, H)
	proj := make([]float32, H)
	res := make([]float32, W*H)
	scale := float32(1 / math.Sqrt(float64(H)))
	for i := range W {
		if err := ctx.Err(); err != nil {
			return err
		}
		mask.ReadFloat32(maskRow, i*(C+W))
		qi := q[i*H : (i+1)*H]
		for j := range C + W {
			scores[j] = tensor.Dot(qi, keys[j*H:(j+1)*H])*scale + maskRow[j]
		}
		tensor.Softmax(scores)
		clear(attn)
		for j, p := range scores {
			tensor.Axpy(attn, p, vals[j*H:(j+1)*H])
		}
		tensor.MatVec(proj, &k.wo, attn)
		dst := res[i*H : (i+1)*H]
		copy(dst, h[i*H:(i+1)*H])
		tensor.Add(dst, proj)
	}
	out.one(mlmodel.RoleHidden).WriteFloat32(res, 0)
	return nil
}

// head projects normalised hidden states onto the vocabulary and splits the
// result across the logits shards in shard order.
type head struct {
	window, hidden int
	eps            float32
	widths         []int
	norm           tensor.Mat
	lm             tensor.Mat
}

func newHead(f *artifact.File, desc mlmodel.Description) (kernel, error) {
	hid, err := feature(desc.Inputs, mlmodel.RoleHidden, KindHead)
	if err != nil {
		return nil, err
	}
	shards := desc.OutputsByRole(mlmodel.RoleLogits)
	if len(shards) == 0 {
		return nil, fmt.Errorf("%w: head model has no logits outputs", artifact.ErrInvalidManifest)
	}
	k := &head{window: hid.Shape.Dim(-2), hidden: hid.Shape.Dim(-1), eps: f.Manifest.Params.Eps}
	if k.eps == 0 {
		k.eps = defaultEps
	}
	vocab := 0
	for _, s := range shards {
		if s.Shape.Dim(-2) != k.window {
			return nil, fmt.Errorf("%w: logits %q shape %s", artifact.ErrInvalidManifest, s.Name, s.Shape)
		}
		k.widths = append(k.widths, s.Shape.Dim(-1))
		vocab += s.Shape.Dim(-1)
	}
	if k.norm, err = weight(f, "norm", 1, k.hidden); err != nil {
		return nil, err
	}
	if k.lm, err = weight(f, "lm_head", vocab, k.hidden); err != nil {
		return nil, err
	}
	return k, nil
}

func (k *head) run(ctx context.Context, in, out bound) error {
	H := k.hidden
	h := make([]float32, k.window*H)
	in.one(mlmodel.RoleHidden).ReadFloat32(h, 0)
	x := make([]float32, H)
	logits := make([]float32, k.lm.R)
	shards := out[mlmodel.RoleLogits]
	for i := range k.window {
		if err := ctx.Err(); err != nil {
			return err
		}
		tensor.RMSNorm(x, h[i*H:(i+1)*H], k.norm.Row(0), k.eps)
		tensor.MatVec(logits, &k.lm, x)
		off := 0
		for s, w := range k.widths {
			shards[s].WriteFloat32(logits[off:off+w], i*w)
			off += w
		}
	}
	return nil
}

// cacheUpdate shifts each cache left by the window length and appends the
// new rows at the end.
type cacheUpdate struct {
	window, cache, hidden int
}

func newCacheUpdate(desc mlmodel.Description) (kernel, error) {
	var shapes []tensor.Shape
	for _, r := range []mlmodel.Role{mlmodel.RoleKeyCache, mlmodel.RoleValueCache} {
		f, err := feature(desc.Inputs, r, KindCacheUpdate)
		if err != nil {
			return nil, err
		}
		o, err := feature(desc.Outputs, r, KindCacheUpdate)
		if err != nil {
			return nil, err
		}
		if !f.Shape.Equal(o.Shape) {
			return nil, fmt.Errorf("%w: %s input %s and output %s differ", artifact.ErrInvalidManifest, r, f.Shape, o.Shape)
		}
		shapes = append(shapes, f.Shape)
	}
	nk, err := feature(desc.Inputs, mlmodel.RoleNewKey, KindCacheUpdate)
	if err != nil {
		return nil, err
	}
	if _, err := feature(desc.Inputs, mlmodel.RoleNewValue, KindCacheUpdate); err != nil {
		return nil, err
	}
	k := &cacheUpdate{window: nk.Shape.Dim(-2), cache: shapes[0].Dim(-2), hidden: shapes[0].Dim(-1)}
	if nk.Shape.Dim(-1) != k.hidden {
		return nil, fmt.Errorf("%w: new key width %d, cache width %d", artifact.ErrInvalidManifest, nk.Shape.Dim(-1), k.hidden)
	}
	return k, nil
}

func (k *cacheUpdate) run(ctx context.Context, in, out bound) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	pairs := [][3]mlmodel.Role{
		{mlmodel.RoleKeyCache, mlmodel.RoleNewKey, mlmodel.RoleKeyCache},
		{mlmodel.RoleValueCache, mlmodel.RoleNewValue, mlmodel.RoleValueCache},
	}
	H, C, W := k.hidden, k.cache, k.window
	cache := make([]float32, C*H)
	fresh := make([]float32, W*H)
	for _, p := range pairs {
		in.one(p[0]).ReadFloat32(cache, 0)
		in.one(p[1]).ReadFloat32(fresh, 0)
		shiftAppend(cache, fresh)
		out.one(p[2]).WriteFloat32(cache, 0)
	}
	return nil
}

// shiftAppend drops the oldest rows of cache and appends fresh, keeping
// only the newest rows when fresh is longer than cache.
func shiftAppend(cache, fresh []float32) {
	if len(fresh) >= len(cache) {
		copy(cache, fresh[len(fresh)-len(cache):])
		return
	}
	copy(cache, cache[len(fresh):])
	copy(cache[len(cache)-len(fresh):], fresh)
}

// argmax reduces sharded logits at a window index to one token id.
type argmax struct{}

func newArgmax(desc mlmodel.Description) (kernel, error) {
	if len(desc.InputsByRole(mlmodel.RoleLogits)) == 0 {
		return nil, fmt.Errorf("%w: argmax model has no logits inputs", artifact.ErrInvalidManifest)
	}
	if _, err := feature(desc.Inputs, mlmodel.RoleIndex, KindArgmax); err != nil {
		return nil, err
	}
	if _, err := feature(desc.Outputs, mlmodel.RoleToken, KindArgmax); err != nil {
		return nil, err
	}
	return argmax{}, nil
}

func (argmax) run(ctx context.Context, in, out bound) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	idx := int(in.one(mlmodel.RoleIndex).At(0))
	id, err := tensor.ArgmaxShards(in[mlmodel.RoleLogits], idx)
	if err != nil {
		return err
	}
	out.one(mlmodel.RoleToken).Set(0, float32(id))
	return nil
}
