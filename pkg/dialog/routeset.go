package dialog

import "github.com/arzzra/corevoip/pkg/message"

// RouteSet is a dialog's ordered Record-Route set, fixed by the first 2xx
// or reliable 1xx per RFC 3261 §12.1.2 and immutable thereafter.
type RouteSet struct {
	routes []*message.Address
}

// BuildRouteSet builds a route set from a message's Record-Route
// headers, already returned top-to-bottom by message.Request/Response. The
// UAC keeps that order; the UAS reads them in reverse (RFC 3261 §12.1.1/
// §12.1.2): Record-Route is recorded by proxies in the direction the
// request travelled, and each side replays it walking back the way it came.
func BuildRouteSet(recordRoutes []*message.Address, isUAC bool) *RouteSet {
	rs := &RouteSet{routes: make([]*message.Address, len(recordRoutes))}
	if isUAC {
		copy(rs.routes, recordRoutes)
		return rs
	}
	for i, rr := range recordRoutes {
		rs.routes[len(recordRoutes)-1-i] = rr
	}
	return rs
}

func (rs *RouteSet) IsEmpty() bool { return rs == nil || len(rs.routes) == 0 }

// IsLooseRouting reports whether the topmost route carries ";lr" (RFC 3261
// §16.4): loose routing means the Request-URI stays the remote target and
// every route entry, including the first, goes into a Route header.
func (rs *RouteSet) IsLooseRouting() bool {
	if rs.IsEmpty() {
		return false
	}
	_, lr := rs.routes[0].URI.Param("lr")
	return lr
}

// RequestURI returns the Request-URI to use for an in-dialog request: the
// remote target under loose routing, or the first route under strict
// routing (RFC 3261 §12.2.1.1).
func (rs *RouteSet) RequestURI(remoteTarget *message.URI) *message.URI {
	if rs.IsEmpty() || rs.IsLooseRouting() {
		return remoteTarget
	}
	return rs.routes[0].URI
}

// RouteHeaders returns the Route header values for an in-dialog request,
// in order, given the same loose/strict distinction as RequestURI: under
// strict routing the first entry became the Request-URI and the remote
// target must be appended as the new last Route.
func (rs *RouteSet) RouteHeaders(remoteTarget *message.URI) []string {
	if rs.IsEmpty() {
		return nil
	}
	if rs.IsLooseRouting() {
		out := make([]string, len(rs.routes))
		for i, r := range rs.routes {
			out[i] = "<" + r.URI.String() + ">"
		}
		return out
	}
	out := make([]string, 0, len(rs.routes))
	for _, r := range rs.routes[1:] {
		out = append(out, "<"+r.URI.String()+">")
	}
	out = append(out, "<"+remoteTarget.String()+">")
	return out
}
