package core

import "fmt"

// Connect wires out to in. Both ports carry T, so the element type check
// happens at compile time; the remaining rules are checked at runtime.
func Connect[T any](out *Out[T], in *In[T]) error {
	return ConnectPorts(out, in)
}

// ConnectPorts wires an output port to an input port.
//
// The connection fails without changing the graph when the stages belong
// to different owners, the topology is frozen, the element types differ,
// the input already has an upstream, or the edge would close a cycle.
func ConnectPorts(out OutputPort, in InputPort) error {
	if out == nil || in == nil {
		return fmt.Errorf("%w: nil port", ErrPortNotFound)
	}
	src, dst := out.Stage(), in.Stage()
	if src == nil || dst == nil || src.owner == nil || src.owner != dst.owner {
		return fmt.Errorf("%w: %s -> %s", ErrForeignStage, out.Name(), in.Name())
	}
	if src.owner.Frozen() {
		return fmt.Errorf("%w: cannot connect %s.%s -> %s.%s", ErrTopologyFrozen,
			src.name, out.Name(), dst.name, in.Name())
	}
	if out.Type() != in.Type() {
		return fmt.Errorf("%w: %s.%s carries %v, %s.%s carries %v", ErrTypeMismatch,
			src.name, out.Name(), out.Type(), dst.name, in.Name(), in.Type())
	}
	if up := in.Upstream(); up != nil {
		return fmt.Errorf("%w: %s.%s is fed by %s.%s", ErrPortOccupied,
			dst.name, in.Name(), up.Stage().name, up.Name())
	}
	if src == dst || Reachable(dst, src) {
		return fmt.Errorf("%w: %s.%s -> %s.%s", ErrCycleDetected,
			src.name, out.Name(), dst.name, in.Name())
	}

	if err := out.attach(in); err != nil {
		return err
	}
	in.setUpstream(out)
	src.markWired()
	dst.markWired()
	src.owner.Rewired()
	return nil
}

// Reachable reports whether to can be reached from from by following
// connections downstream. A stage reaches itself.
func Reachable(from, to *BaseStage) bool {
	visited := make(map[*BaseStage]bool)
	var visit func(b *BaseStage) bool
	visit = func(b *BaseStage) bool {
		if b == to {
			return true
		}
		if visited[b] {
			return false
		}
		visited[b] = true
		for _, out := range b.outputs {
			for _, in := range out.Downstream() {
				if visit(in.Stage()) {
					return true
				}
			}
		}
		return false
	}
	return visit(from)
}

// Successors returns the distinct stages fed by b, in port then connection
// order.
func Successors(b *BaseStage) []*BaseStage {
	seen := make(map[*BaseStage]bool)
	var result []*BaseStage
	for _, out := range b.outputs {
		for _, in := range out.Downstream() {
			s := in.Stage()
			if !seen[s] {
				seen[s] = true
				result = append(result, s)
			}
		}
	}
	return result
}
