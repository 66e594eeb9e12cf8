package cache

import (
	"slices"

	"github.com/cespare/xxhash/v2"

	"github.com/rafaeljc/bifrost/internal/ruleengine"
)

// ContextKey hashes every attribute of ctx that evaluation can read into a
// 64-bit key. Custom attributes are hashed in key order so map iteration
// order does not leak into the result.
func ContextKey(ctx ruleengine.Context) uint64 {
	d := xxhash.New()
	write := func(s string) {
		_, _ = d.WriteString(s)
		_, _ = d.Write([]byte{0})
	}

	write(ctx.UserID)
	write(ctx.SessionID)
	write(ctx.Language)
	write(ctx.Country)
	write(ctx.Device)

	if len(ctx.Attributes) > 0 {
		names := make([]string, 0, len(ctx.Attributes))
		for name := range ctx.Attributes {
			names = append(names, name)
		}
		slices.Sort(names)

		for _, name := range names {
			v := ctx.Attributes[name]
			write(name)
			_, _ = d.Write([]byte{byte(v.Kind)})
			write(v.Text())
		}
	}

	return d.Sum64()
}
