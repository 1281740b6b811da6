package utils

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// InterfacePolicy allows traffic only while a named network interface is up.
// The answer is cached for a second since it is asked on every chunk.
type InterfacePolicy struct {
	Name string

	mu        sync.Mutex
	checkedAt time.Time
	lastErr   error
	lookup    func(name string) (*net.Interface, error)
}

func NewInterfacePolicy(name string) *InterfacePolicy {
	return &InterfacePolicy{Name: name, lookup: net.InterfaceByName}
}

func (p *InterfacePolicy) Allow(taskID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.checkedAt.IsZero() && time.Since(p.checkedAt) < time.Second {
		return p.lastErr
	}
	p.checkedAt = time.Now()
	iface, err := p.lookup(p.Name)
	switch {
	case err != nil:
		p.lastErr = fmt.Errorf("interface %s: %w", p.Name, err)
	case iface.Flags&net.FlagUp == 0:
		p.lastErr = fmt.Errorf("interface %s is down", p.Name)
	default:
		p.lastErr = nil
	}
	return p.lastErr
}
