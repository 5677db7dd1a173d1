// Package extension mounts metarelay into a Forge application.
//
// The extension:
//   - resolves a store (direct, grove PostgreSQL or grove Redis KV)
//   - runs migrations on Init unless disabled
//   - builds the operator when a ledger and identity are set
//   - builds the client node when a key source is set
//   - mounts the API routes with OpenAPI metadata under a configurable prefix
//   - starts and drains the background loops with the application
//   - reports health via store.Ping
//
// Usage:
//
//	ext := extension.New(
//	    extension.WithGroveDatabase(db),
//	    extension.WithLedger(chain),
//	    extension.WithIdentity(relayer),
//	    extension.WithPrefix("/relay"),
//	)
//	if err := ext.Init(ctx); err != nil {
//	    return err
//	}
//	ext.RegisterRoutes(app.Router(), app.Logger())
package extension
