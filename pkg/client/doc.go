// Package client is the Go SDK for the anchord HTTP API.
//
// It reads the ledger and its recorded anchors, appends transactions, and
// triggers anchoring runs:
//
//	c, err := client.New("http://localhost:8080",
//	    client.WithBearerToken(operatorToken),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	tx, err := c.AppendTransaction(ctx, map[string]any{"op": "credit", "amount": 10}, []string{"acct/42"})
//	res, err := c.TriggerAnchor(ctx)
//	fmt.Println(res.Outcome, res.Anchor.Position)
//
// # Verifying
//
// VerifyAnchor asks the server to re-check a stored anchor against the ledger
// and every proof against the anchor digest:
//
//	v, err := c.VerifyAnchor(ctx, 41)
//	if err == nil && v.Valid {
//	    fmt.Println("anchor 41 is intact")
//	}
//
// Read endpoints are public; AppendTransaction and TriggerAnchor need an
// operator token when the server has an operator secret configured.
package client
