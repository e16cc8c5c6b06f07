package catalog

import (
	"context"

	"github.com/MakerMaker19/meerkat-catalog/pkg/binstatus"
	"github.com/MakerMaker19/meerkat-catalog/pkg/servers"
)

// FeatureFlags answers the remotely controlled switches a sync pass
// depends on.
type FeatureFlags interface {
	BinaryStatusEnabled(ctx context.Context) bool
	TruncationEnabled(ctx context.Context) bool
}

// StaticFlags are fixed flag values, typically from config.
type StaticFlags struct {
	BinaryStatus bool
	Truncation   bool
}

func (f StaticFlags) BinaryStatusEnabled(context.Context) bool { return f.BinaryStatus }
func (f StaticFlags) TruncationEnabled(context.Context) bool   { return f.Truncation }

// UserContextProvider supplies the user's position for status decoding.
type UserContextProvider interface {
	UserContext(ctx context.Context) binstatus.UserContext
}

// StaticUser always returns the same position.
type StaticUser struct {
	Country  string
	Location *servers.Location
}

func (u StaticUser) UserContext(context.Context) binstatus.UserContext {
	return binstatus.UserContext{Country: u.Country, Location: u.Location}
}
