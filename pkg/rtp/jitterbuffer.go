package rtp

import (
	"container/heap"
	"sync"
	"time"
)

// JitterBufferConfig parameterizes the adaptive jitter buffer (spec.md
// §4.5, §4.10: target = clamp(k*jitter + base, min, max)).
type JitterBufferConfig struct {
	MinDelay time.Duration
	MaxDelay time.Duration
	Base     time.Duration
	K        float64 // watermark multiplier, default 3
	Tolerance time.Duration
}

// DefaultJitterBufferConfig matches spec.md §6's jitter_buffer defaults.
func DefaultJitterBufferConfig() JitterBufferConfig {
	return JitterBufferConfig{
		MinDelay:  20 * time.Millisecond,
		MaxDelay:  200 * time.Millisecond,
		Base:      20 * time.Millisecond,
		K:         3,
		Tolerance: 20 * time.Millisecond,
	}
}

type bufferedPacket struct {
	packet   *Packet
	arrival  time.Time
	deadline time.Time
	index    int
}

type packetHeap []*bufferedPacket

func (h packetHeap) Len() int { return len(h) }
func (h packetHeap) Less(i, j int) bool {
	return int32(h[i].packet.Header.Timestamp-h[j].packet.Header.Timestamp) < 0
}
func (h packetHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *packetHeap) Push(x any) {
	bp := x.(*bufferedPacket)
	bp.index = len(*h)
	*h = append(*h, bp)
}
func (h *packetHeap) Pop() any {
	old := *h
	n := len(old)
	bp := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return bp
}

// JitterBuffer reorders packets by RTP timestamp and releases them no
// sooner than the adaptive target delay, declaring a packet lost once its
// deadline plus tolerance has passed (spec.md §4.5).
type JitterBuffer struct {
	mu     sync.Mutex
	cfg    JitterBufferConfig
	heap   packetHeap
	clock  uint32 // RTP clock rate in Hz, used to convert timestamp deltas to duration

	targetDelay time.Duration
	jitter      float64 // RFC 3550 A.8 interarrival jitter estimate, in RTP timestamp units
	lastTransit int64
	lastArrival time.Time
	haveLast    bool

	highestReleased uint16
	haveReleased    bool

	Stats JitterStats
}

// JitterStats accumulates per-stream counters surfaced via metrics.
type JitterStats struct {
	Received uint64
	Lost     uint64
	Late     uint64
	Duplicate uint64
}

// NewJitterBuffer constructs a buffer for a stream clocked at clockRate Hz.
func NewJitterBuffer(cfg JitterBufferConfig, clockRate uint32) *JitterBuffer {
	if cfg.K == 0 {
		cfg.K = 3
	}
	return &JitterBuffer{cfg: cfg, clock: clockRate, targetDelay: cfg.Base}
}

// Push inserts a received packet, updating the RFC 3550 jitter estimate and
// the adaptive target delay. Returns false for packets that duplicate a
// buffered sequence number or do not follow the last released one.
func (jb *JitterBuffer) Push(p *Packet, now time.Time) bool {
	jb.mu.Lock()
	defer jb.mu.Unlock()

	jb.Stats.Received++
	jb.updateJitter(p, now)
	jb.updateTargetDelay()

	if jb.haveReleased && SeqDiff(jb.highestReleased, p.Header.SequenceNumber) <= 0 {
		// Duplicate/old detection is sequence-based, not timestamp-based,
		// since timestamp alone doesn't order retransmitted duplicates.
		jb.Stats.Late++
		return false
	}
	for _, bp := range jb.heap {
		if bp.packet.Header.SequenceNumber == p.Header.SequenceNumber {
			jb.Stats.Duplicate++
			return false
		}
	}

	deadline := now.Add(jb.targetDelay)
	heap.Push(&jb.heap, &bufferedPacket{packet: p, arrival: now, deadline: deadline})
	return true
}

// updateJitter implements RFC 3550 Appendix A.8's running estimate:
//
//	J(i) = J(i-1) + (|D(i-1,i)| - J(i-1)) / 16
func (jb *JitterBuffer) updateJitter(p *Packet, now time.Time) {
	if jb.clock == 0 {
		return
	}
	transit := int64(nowToRTP(now, jb.clock)) - int64(p.Header.Timestamp)
	if jb.haveLast {
		d := transit - jb.lastTransit
		if d < 0 {
			d = -d
		}
		jb.jitter += (float64(d) - jb.jitter) / 16
	}
	jb.lastTransit = transit
	jb.lastArrival = now
	jb.haveLast = true
}

func nowToRTP(t time.Time, clockRate uint32) uint32 {
	return uint32(t.UnixNano() / int64(time.Second/time.Duration(clockRate)))
}

// updateTargetDelay applies the watermark formula from spec.md §4.10:
// target = clamp(k*jitter + base, min, max).
func (jb *JitterBuffer) updateTargetDelay() {
	if jb.clock == 0 {
		return
	}
	jitterDuration := time.Duration(jb.jitter / float64(jb.clock) * float64(time.Second))
	target := time.Duration(jb.cfg.K*float64(jitterDuration)) + jb.cfg.Base
	if target < jb.cfg.MinDelay {
		target = jb.cfg.MinDelay
	}
	if target > jb.cfg.MaxDelay {
		target = jb.cfg.MaxDelay
	}
	jb.targetDelay = target
}

// Pop releases the next in-sequence packet whose deadline has passed, or
// reports a gap as lost once the deadline plus tolerance elapses with no
// replacement packet buffered. Returns (packet, lost, ok): ok is false when
// nothing is ready to release yet.
func (jb *JitterBuffer) Pop(now time.Time) (pkt *Packet, lost bool, ok bool) {
	jb.mu.Lock()
	defer jb.mu.Unlock()

	if jb.heap.Len() == 0 {
		return nil, false, false
	}
	head := jb.heap[0]
	if now.Before(head.deadline) {
		return nil, false, false
	}
	if jb.haveReleased && SeqDiff(jb.highestReleased, head.packet.Header.SequenceNumber) > 1 {
		if !now.After(head.deadline.Add(jb.cfg.Tolerance)) {
			return nil, false, false
		}
		// Declare the next missing sequence number lost and skip past it
		// without discarding the packet that revealed the gap.
		jb.highestReleased++
		jb.Stats.Lost++
		return nil, true, true
	}
	heap.Pop(&jb.heap)
	jb.highestReleased = head.packet.Header.SequenceNumber
	jb.haveReleased = true
	return head.packet, false, true
}

// Len reports the number of packets currently buffered.
func (jb *JitterBuffer) Len() int {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	return jb.heap.Len()
}

// TargetDelay returns the current adaptive target delay.
func (jb *JitterBuffer) TargetDelay() time.Duration {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	return jb.targetDelay
}

// JitterEstimate returns the current RFC 3550 Appendix A.8 interarrival
// jitter estimate converted from RTP timestamp units to wall-clock time.
func (jb *JitterBuffer) JitterEstimate() time.Duration {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	if jb.clock == 0 {
		return 0
	}
	return time.Duration(jb.jitter / float64(jb.clock) * float64(time.Second))
}
