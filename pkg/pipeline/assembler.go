package pipeline

import (
	"bytes"
	"sort"
)

// Assembler 把带客户端序号的音频分片还原成一段完整语音
// 乱序分片先进重排缓冲；缓冲超过深度上限时把缺失分片判定为丢失，带洞收尾
type Assembler struct {
	depth   int
	next    int64 // 期望的下一个分片序号
	ordered bytes.Buffer
	pending map[int64][]byte
	gaps    int
	started bool
}

// NewAssembler 创建重排器，depth为乱序缓冲深度上限
func NewAssembler(depth int) *Assembler {
	if depth <= 0 {
		depth = 16
	}
	return &Assembler{depth: depth, pending: make(map[int64][]byte)}
}

// Add 收下一个分片
// 首个分片的序号作为起点，不要求从0开始
func (a *Assembler) Add(seq int64, data []byte) {
	if !a.started {
		a.next = seq
		a.started = true
	}
	if seq < a.next {
		// 迟到的重复分片，丢弃
		return
	}
	if seq == a.next {
		a.ordered.Write(data)
		a.next++
		a.drain()
		return
	}

	a.pending[seq] = data
	if len(a.pending) > a.depth {
		a.skipToOldest()
	}
}

// drain 把缓冲里按序接上的分片搬进有序流
func (a *Assembler) drain() {
	for {
		data, ok := a.pending[a.next]
		if !ok {
			return
		}
		delete(a.pending, a.next)
		a.ordered.Write(data)
		a.next++
	}
}

// skipToOldest 缓冲溢出：缺失分片判丢，跳到缓冲里最小的序号继续
func (a *Assembler) skipToOldest() {
	seqs := make([]int64, 0, len(a.pending))
	for seq := range a.pending {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	a.gaps++
	a.next = seqs[0]
	a.drain()
}

// Finalize 收尾：返回已拼好的音频和空洞数，缓冲里剩下的全部判丢并重置
func (a *Assembler) Finalize() ([]byte, int) {
	for len(a.pending) > 0 {
		a.skipToOldest()
	}
	audio := make([]byte, a.ordered.Len())
	copy(audio, a.ordered.Bytes())
	gaps := a.gaps

	a.ordered.Reset()
	a.pending = make(map[int64][]byte)
	a.gaps = 0
	a.started = false
	return audio, gaps
}

// Len 当前已拼好的字节数
func (a *Assembler) Len() int { return a.ordered.Len() }
