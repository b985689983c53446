package core

import (
	"errors"
	"fmt"
)

// Pipe connects the default output of a to the default input of b and
// returns b, so pipes chain left to right.
func Pipe[S Stage](a Stage, b S) (S, error) {
	out, err := a.Base().DefaultOutput()
	if err != nil {
		return b, err
	}
	in, err := b.Base().DefaultInput()
	if err != nil {
		return b, err
	}
	return b, ConnectPorts(out, in)
}

// ConnectNamed connects the output named outName on a to the input named
// inName on b.
func ConnectNamed(a Stage, outName string, b Stage, inName string) error {
	out, err := a.Base().Output(outName)
	if err != nil {
		return err
	}
	in, err := b.Base().Input(inName)
	if err != nil {
		return err
	}
	return ConnectPorts(out, in)
}

// Chain is a fluent form of Pipe. Errors are accumulated and later calls
// are skipped once a connection failed.
//
//	err := core.From(src).To(upper).To(sink).Err()
type Chain struct {
	tail Stage
	errs []error
}

// From starts a chain at s.
func From(s Stage) *Chain {
	return &Chain{tail: s}
}

// To connects the chain tail to the default input of s and makes s the tail.
func (c *Chain) To(s Stage) *Chain {
	if len(c.errs) > 0 {
		return c
	}
	if _, err := Pipe(c.tail, s); err != nil {
		c.errs = append(c.errs, err)
		return c
	}
	c.tail = s
	return c
}

// ToPort connects the chain tail to the input named in on s and makes s the
// tail.
func (c *Chain) ToPort(s Stage, in string) *Chain {
	if len(c.errs) > 0 {
		return c
	}
	out, err := c.tail.Base().DefaultOutput()
	if err == nil {
		err = ConnectNamed(c.tail, out.Name(), s, in)
	}
	if err != nil {
		c.errs = append(c.errs, err)
		return c
	}
	c.tail = s
	return c
}

// FanOut connects the chain tail to each of stages. The tail is unchanged.
func (c *Chain) FanOut(stages ...Stage) *Chain {
	if len(c.errs) > 0 {
		return c
	}
	for _, s := range stages {
		if _, err := Pipe(c.tail, s); err != nil {
			c.errs = append(c.errs, fmt.Errorf("fan-out to %s: %w", s.Base().Name(), err))
		}
	}
	return c
}

// Tail returns the last stage of the chain.
func (c *Chain) Tail() Stage {
	return c.tail
}

// Err returns the accumulated connection errors.
func (c *Chain) Err() error {
	return errors.Join(c.errs...)
}

// MergeInto connects the default output of each upstream to the next free
// input of m, in argument order.
func MergeInto(m Stage, upstreams ...Stage) error {
	for _, up := range upstreams {
		if _, err := Pipe(up, m); err != nil {
			return err
		}
	}
	return nil
}

// Parameterize configures s with key and returns s.
//
// Repeating the same key is a no-op. A different key is rejected once the
// stage is wired, and any change is rejected once the topology is frozen.
func Parameterize[S Configurable](s S, key string) (S, error) {
	b := s.Base()
	if b.keyed && b.key == key {
		return s, nil
	}
	if b.frozen() {
		return s, fmt.Errorf("%w: cannot parameterize %s", ErrTopologyFrozen, b.name)
	}
	if b.keyed && b.State() >= StateWired {
		return s, fmt.Errorf("%w: %s has key %q, got %q", ErrReparameterizeAfterWire, b.name, b.key, key)
	}
	if err := s.Configure(key); err != nil {
		return s, fmt.Errorf("parameterize %s: %w", b.name, err)
	}
	b.key = key
	b.keyed = true
	return s, nil
}
