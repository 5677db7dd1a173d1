// Package metarelay relays meta-transactions: requests an identity signs
// off-ledger and a relay operator submits and pays for on its behalf.
//
// metarelay is a library, not a service. The same module serves both sides
// of a relay:
//
//   - Relay is the operator. It checks that a request names it as relayer,
//     verifies the signature and nonce against the ledger, optionally prices
//     the call against a fee pool, submits it, and tracks the receipt.
//   - Client is the node. It signs an intent under the identity's next nonce,
//     hands it to the primary relayer, and if no confirmation arrives in time
//     re-signs the same nonce for the next fallback.
//
// Operations that fail terminally land in a dead letter queue and can be
// replayed under a fresh nonce. Persistence is composable: memory, Postgres
// and Redis backends implement store.Store.
//
// Quick start, operator side:
//
//	r, err := metarelay.New(
//	    metarelay.WithStore(memory.New()),
//	    metarelay.WithLedger(l),
//	    metarelay.WithIdentity(operatorAddr),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	r.Start(ctx)
//	sub, err := r.Submit(ctx, signedRequest)
//
// Node side:
//
//	c, err := metarelay.NewClient(
//	    metarelay.WithClientStore(memory.New()),
//	    metarelay.WithKeys(builder.NewStaticKeys(key)),
//	    metarelay.WithNonceSource(l),
//	    metarelay.WithRelayers(endpoint.Config{
//	        Primary: endpoint.Endpoint{URL: "https://relay.example", Identity: operatorAddr},
//	    }),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	c.Start(ctx)
//	op, err := c.Relay(ctx, watcher.Intent{From: from, To: to, Gas: 150000, Data: data})
package metarelay
