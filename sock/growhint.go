package sock

import "github.com/shirou/gopsutil/mem"

// maxReadHint caps a single socket's read-ahead growth so a burst of
// fast senders cannot each double their per-connection hint into the
// gigabytes while the host is low on memory (spec §4.2: "capped by
// available memory").
const maxReadHint = 1 << 20 // 1 MiB

// growReadHint doubles the current hint (capped at maxReadHint), unless
// the new hint would exceed 1/8th of currently available system memory
// — in which case the hint holds steady. If the memory probe itself
// fails, the doubled, maxReadHint-capped value is returned unchecked.
func growReadHint(current int) int {
	next := current * 2
	if next > maxReadHint {
		next = maxReadHint
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return next
	}
	if uint64(next) > vm.Available/8 {
		return current
	}
	return next
}
