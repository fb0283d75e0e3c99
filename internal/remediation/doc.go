// Package remediation resolves errors against what forgeloop already knows
// before asking anyone else.
//
// A search runs in this order:
//
//  1. Learning store entries whose problem overlaps the error text.
//  2. Recorded error patterns whose signature contains the error text.
//  3. External search collaborators, whose results are synthesized into one
//     recommendation and recorded in the learning store.
//
// A hit at step 1 or 2 returns immediately. External collaborators are never
// contacted for a problem the learning store already knows.
//
// # Usage
//
//	svc, err := remediation.NewService(nil, remediation.Deps{
//	    Learning:    learningStore,
//	    Patterns:    db,
//	    Aggregator:  aggregator,
//	    Synthesizer: synthesizer,
//	}, logger)
//
//	res, err := svc.Search(ctx, &remediation.SearchRequest{
//	    Problem: "LNK2019 unresolved external symbol",
//	    Context: search.SearchContext{Engine: search.EngineUnreal},
//	})
//
//	// Later, once the user has tried the fix
//	err = svc.RecordOutcome(ctx, &remediation.OutcomeRequest{
//	    Problem: "LNK2019 unresolved external symbol",
//	    Worked:  true,
//	    FixTime: 4 * time.Minute,
//	})
package remediation
