package gossiplog

// graph tracks the head set of the log: the records no known record names
// as a parent. With sequencing disabled it does nothing and every record
// is created with clock 0 and no parents.
type graph struct {
	sequencing bool
	heads      map[ID]struct{}
}

func newGraph(sequencing bool) *graph {
	return &graph{sequencing: sequencing, heads: map[ID]struct{}{}}
}

// create returns a new record whose parents are the current heads.
func (g *graph) create(topic string, payload []byte) *Message {
	msg := &Message{Topic: topic, Payload: payload}
	if !g.sequencing {
		return msg
	}
	msg.Parents = g.headList()
	msg.Clock = nextClock(msg.Parents)
	return msg
}

// nextClock is one above the highest parent clock.
func nextClock(parents []ID) uint64 {
	var max uint64
	for _, p := range parents {
		if c := p.Clock(); c > max {
			max = c
		}
	}
	return max + 1
}

// update records that id was inserted: its parents stop being heads.
func (g *graph) update(id ID, msg *Message) {
	if !g.sequencing {
		return
	}
	for _, p := range msg.Parents {
		delete(g.heads, p)
	}
	g.heads[id] = struct{}{}
}

func (g *graph) clone() *graph {
	c := newGraph(g.sequencing)
	for id := range g.heads {
		c.heads[id] = struct{}{}
	}
	return c
}

func (g *graph) headList() []ID {
	out := make([]ID, 0, len(g.heads))
	for id := range g.heads {
		out = append(out, id)
	}
	sortIDs(out)
	return out
}

// clock is the highest clock among the heads.
func (g *graph) clock() uint64 {
	var max uint64
	for id := range g.heads {
		if c := id.Clock(); c > max {
			max = c
		}
	}
	return max
}

// export serializes the head set for the tree's userdata slot.
func (g *graph) export() ([]byte, error) {
	if !g.sequencing {
		return nil, nil
	}
	heads := g.headList()
	raw := make([][]byte, len(heads))
	for i, h := range heads {
		raw[i] = h.Bytes()
	}
	return encodeMsgpack(raw)
}

// importGraph restores a graph exported by export.
func importGraph(sequencing bool, blob []byte) (*graph, error) {
	g := newGraph(sequencing)
	if !sequencing || blob == nil {
		return g, nil
	}
	var raw [][]byte
	if err := decodeMsgpack(blob, &raw); err != nil {
		return nil, err
	}
	for _, r := range raw {
		id, err := IDFromBytes(r)
		if err != nil {
			return nil, err
		}
		g.heads[id] = struct{}{}
	}
	logger.Debugf("imported %d heads at clock %d", len(g.heads), g.clock())
	return g, nil
}
