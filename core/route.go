package core

import "net/url"

const (
	ProfilePath   = "/profile"
	DashboardPath = "/dashboard"
)

// Route is a navigation target with its query parameters.
type Route struct {
	Path  string
	Query url.Values
}

// ProfileRoute points the profile screen at a wallet address.
func ProfileRoute(addr Address) Route {
	return Route{Path: ProfilePath, Query: url.Values{"wallet": {addr.String()}}}
}

// DashboardRoute is where authenticated users land.
func DashboardRoute() Route {
	return Route{Path: DashboardPath}
}

func (r Route) String() string {
	if len(r.Query) == 0 {
		return r.Path
	}
	return r.Path + "?" + r.Query.Encode()
}
