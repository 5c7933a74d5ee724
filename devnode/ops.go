package devnode

import (
	"encoding/binary"
	"fmt"

	"github.com/learn-decentralized-systems/toyqueue"
	"github.com/learn-decentralized-systems/toytlv"

	"github.com/chainforge/regmig/remote"
)

// Committed transactions fan their operations out to named hoses, the way
// a node streams events to subscribers. Each op is one TLV record:
//
//	O ( B block  F from  M method  D data )

// Op is one committed operation as a hose consumer sees it.
type Op struct {
	Block  uint64
	From   remote.Address
	Method string
	Data   []byte
}

type pendingOp struct {
	method string
	data   []byte
}

func encodeOp(block uint64, from remote.Address, method string, data []byte) []byte {
	return toytlv.Record('O',
		toytlv.Record('B', binary.BigEndian.AppendUint64(nil, block)),
		toytlv.Record('F', binary.BigEndian.AppendUint64(nil, uint64(from))),
		toytlv.Record('M', []byte(method)),
		toytlv.Record('D', data),
	)
}

// ParseOp decodes one broadcast record.
func ParseOp(rec []byte) (op Op, err error) {
	body, _, err := toytlv.TakeWary('O', rec)
	if err != nil {
		return op, fmt.Errorf("devnode: op record: %w", err)
	}
	block, body, err := takeOpU64('B', body)
	if err != nil {
		return
	}
	from, body, err := takeOpU64('F', body)
	if err != nil {
		return
	}
	method, body, err := toytlv.TakeWary('M', body)
	if err != nil {
		return op, fmt.Errorf("devnode: op record M: %w", err)
	}
	data, _, err := toytlv.TakeWary('D', body)
	if err != nil {
		return op, fmt.Errorf("devnode: op record D: %w", err)
	}
	op = Op{Block: block, From: remote.Address(from), Method: string(method), Data: data}
	return op, nil
}

func takeOpU64(lit byte, data []byte) (uint64, []byte, error) {
	body, rest, err := toytlv.TakeWary(lit, data)
	if err != nil {
		return 0, nil, fmt.Errorf("devnode: op record %c: %w", lit, err)
	}
	if len(body) != 8 {
		return 0, nil, fmt.Errorf("devnode: op record %c: want 8 bytes, got %d", lit, len(body))
	}
	return binary.BigEndian.Uint64(body), rest, nil
}

// publishOpData carries the class and code hashes of a publication.
func publishOpData(art remote.Artifact) []byte {
	data := binary.BigEndian.AppendUint64(nil, uint64(art.Class))
	return binary.BigEndian.AppendUint64(data, uint64(art.Code))
}

// AddHose registers a named op hose and returns its consuming end. Feed is
// non-blocking: toyqueue.ErrWouldBlock means no ops are queued right now,
// toyqueue.ErrClosed means the hose was removed or replaced. Registering
// an existing name closes the previous hose.
func (n *Node) AddHose(name string) toyqueue.FeedCloser {
	queue := toyqueue.RecordQueue{Limit: n.opts.QueueLimit}
	n.outlock.Lock()
	old := n.outq[name]
	n.outq[name] = &queue
	n.outlock.Unlock()
	if old != nil {
		n.log.Warn("hose replaced", "name", name)
		_ = old.Close()
	}
	return &queue
}

// RemoveHose closes and forgets a named hose.
func (n *Node) RemoveHose(name string) error {
	n.outlock.Lock()
	old := n.outq[name]
	delete(n.outq, name)
	n.outlock.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return nil
}

// broadcast drains op records into every hose; a hose that cannot keep up
// is dropped.
func (n *Node) broadcast(recs toyqueue.Records) {
	if len(recs) == 0 {
		return
	}
	n.outlock.Lock()
	defer n.outlock.Unlock()
	for name, hose := range n.outq {
		if err := hose.Drain(recs); err != nil {
			n.log.Warn("dropping hose", "name", name, "error", err)
			delete(n.outq, name)
		}
	}
}
