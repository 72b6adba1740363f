package relay

// Policies filter and transform events crossing the relay boundary. Nil
// predicates always route and nil transforms return their input.
type Policies[T any] struct {
	ShouldRouteOutbound func(T) bool
	OutboundTransform   func(T) T
	ShouldRouteInbound  func(T) bool
	InboundTransform    func(T) T
}

func (p Policies[T]) withDefaults() Policies[T] {
	if p.ShouldRouteOutbound == nil {
		p.ShouldRouteOutbound = always[T]
	}
	if p.OutboundTransform == nil {
		p.OutboundTransform = identityTransform[T]
	}
	if p.ShouldRouteInbound == nil {
		p.ShouldRouteInbound = always[T]
	}
	if p.InboundTransform == nil {
		p.InboundTransform = identityTransform[T]
	}
	return p
}

func always[T any](T) bool { return true }

func identityTransform[T any](v T) T { return v }
