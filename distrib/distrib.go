// Package distrib provides the collective primitives for data-parallel
// training: splitting a batch into near-even per-worker shards, gathering
// per-worker tensors back in rank order (with optional padding when shard
// sizes differ) and synchronizing workers at epoch boundaries.
//
// The Comm interface abstracts the worker group. Single returns the trivial
// one-worker group; NewGroup builds an in-process group of goroutine
// workers, which is also how the collectives are tested.
package distrib

import (
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Comm is one worker's handle on its worker group.
type Comm interface {
	// Rank identifies this worker, in [0, WorldSize).
	Rank() int

	// WorldSize is the number of workers in the group.
	WorldSize() int

	// AllGather exchanges one tensor per worker and returns all of them
	// rank-ordered. Every worker receives the same slice contents, except
	// that slot Rank() holds the local tensor itself, not a copy.
	AllGather(local *tensors.Tensor) ([]*tensors.Tensor, error)

	// AllReduceMean averages a scalar across the group.
	AllReduceMean(value float64) (float64, error)

	// Barrier blocks until every worker of the group has reached it.
	Barrier() error
}

// ShardRange returns the half-open row range [start, end) that rank owns
// when n rows are split across worldSize workers: every worker gets
// n/worldSize rows and the first n%worldSize workers get one extra, so
// share sizes differ by at most one and concatenating the shards in rank
// order restores the original n rows.
func ShardRange(n, rank, worldSize int) (start, end int) {
	base := n / worldSize
	rem := n % worldSize
	start = rank*base + min(rank, rem)
	size := base
	if rank < rem {
		size++
	}
	return start, start + size
}

// Split returns this worker's shard of the tensor along its leading axis,
// per ShardRange. A worker whose share is empty gets a tensor with leading
// dimension zero.
func Split(tensor *tensors.Tensor, rank, worldSize int) (*tensors.Tensor, error) {
	if worldSize <= 0 {
		return nil, errors.Errorf("world size must be positive, got %d", worldSize)
	}
	if rank < 0 || rank >= worldSize {
		return nil, errors.Errorf("rank %d outside world of size %d", rank, worldSize)
	}
	dims := tensor.Shape().Dimensions
	if len(dims) == 0 {
		return nil, errors.Errorf("cannot split a scalar tensor across workers")
	}
	start, end := ShardRange(dims[0], rank, worldSize)
	return SliceRows(tensor, start, end), nil
}

// SplitAny shards a slice of arbitrary values the same way Split shards
// tensor rows.
func SplitAny[T any](values []T, rank, worldSize int) []T {
	start, end := ShardRange(len(values), rank, worldSize)
	return values[start:end]
}

// Gather collects every worker's tensor in rank order and concatenates them
// along the leading axis. With pad false all shards must share the same
// shape. With pad true shards may differ in leading dimension: sizes are
// exchanged first, shards are zero-padded to the largest for the exchange
// and truncated back afterwards. Either way this worker's own rows come
// from its local tensor verbatim.
func Gather(comm Comm, local *tensors.Tensor, pad bool) (*tensors.Tensor, error) {
	var shards []*tensors.Tensor
	var err error
	if pad {
		shards, err = gatherPadded(comm, local)
	} else {
		shards, err = comm.AllGather(local)
		if err == nil {
			for rank, shard := range shards {
				if !shard.Shape().Equal(local.Shape()) {
					return nil, errors.Errorf(
						"gather without padding requires equal shapes: rank %d has %s, rank %d has %s",
						comm.Rank(), local.Shape(), rank, shard.Shape())
				}
			}
		}
	}
	if err != nil {
		return nil, err
	}
	return Concat(shards)
}

func gatherPadded(comm Comm, local *tensors.Tensor) ([]*tensors.Tensor, error) {
	dims := local.Shape().Dimensions
	if len(dims) == 0 {
		return nil, errors.Errorf("cannot gather a scalar tensor")
	}
	sizes, err := comm.AllGather(tensors.FromScalar(int64(dims[0])))
	if err != nil {
		return nil, errors.WithMessagef(err, "exchanging shard sizes")
	}
	maxRows := 0
	for _, s := range sizes {
		if rows := int(tensors.ToScalar[int64](s)); rows > maxRows {
			maxRows = rows
		}
	}

	padded := local
	if dims[0] < maxRows {
		padded = padRows(local, maxRows)
	}
	shards, err := comm.AllGather(padded)
	if err != nil {
		return nil, err
	}
	for rank, shard := range shards {
		rows := int(tensors.ToScalar[int64](sizes[rank]))
		if rank == comm.Rank() {
			shards[rank] = local
		} else if shard.Shape().Dimensions[0] != rows {
			shards[rank] = SliceRows(shard, 0, rows)
		}
	}
	return shards, nil
}

// Concat concatenates the tensors along their leading axis on the host.
// Trailing dimensions and dtypes must match.
func Concat(parts []*tensors.Tensor) (*tensors.Tensor, error) {
	if len(parts) == 0 {
		return nil, errors.Errorf("nothing to concatenate")
	}
	first := parts[0].Shape()
	totalRows := 0
	for _, part := range parts {
		shape := part.Shape()
		if shape.DType != first.DType || len(shape.Dimensions) != len(first.Dimensions) {
			return nil, errors.Errorf("cannot concatenate %s with %s", first, shape)
		}
		for axis := 1; axis < len(first.Dimensions); axis++ {
			if shape.Dimensions[axis] != first.Dimensions[axis] {
				return nil, errors.Errorf("cannot concatenate %s with %s", first, shape)
			}
		}
		totalRows += shape.Dimensions[0]
	}

	outDims := append([]int{totalRows}, first.Dimensions[1:]...)
	out := tensors.FromShape(shapes.Make(first.DType, outDims...))
	accessErr := out.MutableBytes(func(data []byte) {
		offset := 0
		for _, part := range parts {
			_ = part.ConstBytes(func(src []byte) {
				copy(data[offset:offset+len(src)], src)
				offset += len(src)
			})
		}
	})
	if accessErr != nil {
		return nil, errors.WithMessagef(accessErr, "concatenating shards")
	}
	return out, nil
}

// SliceRows copies rows [start, end) of the tensor's leading axis into a
// new tensor.
func SliceRows(tensor *tensors.Tensor, start, end int) *tensors.Tensor {
	shape := tensor.Shape()
	rowBytes := shape.DType.Size()
	for _, dim := range shape.Dimensions[1:] {
		rowBytes *= dim
	}
	outDims := append([]int{end - start}, shape.Dimensions[1:]...)
	out := tensors.FromShape(shapes.Make(shape.DType, outDims...))
	_ = out.MutableBytes(func(data []byte) {
		_ = tensor.ConstBytes(func(src []byte) {
			copy(data, src[start*rowBytes:end*rowBytes])
		})
	})
	return out
}

// padRows zero-pads the tensor's leading axis up to rows.
func padRows(tensor *tensors.Tensor, rows int) *tensors.Tensor {
	shape := tensor.Shape()
	outDims := append([]int{rows}, shape.Dimensions[1:]...)
	out := tensors.FromShape(shapes.Make(shape.DType, outDims...))
	_ = out.MutableBytes(func(data []byte) {
		_ = tensor.ConstBytes(func(src []byte) {
			copy(data, src)
		})
	})
	return out
}
