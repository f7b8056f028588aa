package transfer

// Bitmap records which chunk indices of an upload have arrived. Setting an
// index twice counts it once.
type Bitmap struct {
	bits  int
	count int
	data  []byte
}

// NewBitmap allocates a bitmap sized for the given number of chunks.
func NewBitmap(bits int) *Bitmap {
	if bits < 0 {
		bits = 0
	}
	return &Bitmap{
		bits: bits,
		data: make([]byte, (bits+7)/8),
	}
}

// Len returns the number of chunks tracked.
func (b *Bitmap) Len() int {
	if b == nil {
		return 0
	}
	return b.bits
}

// Set marks index i and reports whether it was newly set.
// Out-of-range indices are ignored.
func (b *Bitmap) Set(i int) bool {
	if b == nil || i < 0 || i >= b.bits {
		return false
	}
	mask := byte(1) << uint(i%8)
	if b.data[i/8]&mask != 0 {
		return false
	}
	b.data[i/8] |= mask
	b.count++
	return true
}

// Has reports whether index i is set.
func (b *Bitmap) Has(i int) bool {
	if b == nil || i < 0 || i >= b.bits {
		return false
	}
	return b.data[i/8]&(1<<uint(i%8)) != 0
}

// Count returns the number of distinct indices set.
func (b *Bitmap) Count() int {
	if b == nil {
		return 0
	}
	return b.count
}

// Full reports whether every index is set.
func (b *Bitmap) Full() bool {
	return b != nil && b.count == b.bits
}

// Missing returns up to limit unset indices in ascending order.
func (b *Bitmap) Missing(limit int) []int {
	if b == nil || limit <= 0 {
		return nil
	}
	var out []int
	for i, v := range b.data {
		if v == 0xFF {
			continue
		}
		for bit := 0; bit < 8; bit++ {
			idx := i*8 + bit
			if idx >= b.bits {
				return out
			}
			if v&(1<<uint(bit)) == 0 {
				out = append(out, idx)
				if len(out) == limit {
					return out
				}
			}
		}
	}
	return out
}

// Clone returns an independent copy.
func (b *Bitmap) Clone() *Bitmap {
	if b == nil {
		return nil
	}
	data := make([]byte, len(b.data))
	copy(data, b.data)
	return &Bitmap{bits: b.bits, count: b.count, data: data}
}
