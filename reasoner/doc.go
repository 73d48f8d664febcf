// Package reasoner is the text-completion boundary of the runtime.
//
// A Reasoner turns an ordered conversation into a single text response. The
// package provides a provider-routing Client with middleware, a gollm-backed
// provider adapter, a small provider catalog and a typed error hierarchy so
// callers can tell transport failures apart with errors.As.
//
// The Client never retries on its own. Retries are opt-in through
// RetryMiddleware.
//
//	adapter, err := reasoner.NewGollmAdapter("openai", os.Getenv("OPENAI_API_KEY"))
//	if err != nil {
//	    return err
//	}
//	client := reasoner.NewClient(reasoner.WithProvider("openai", adapter))
//	text, err := client.Respond(ctx, []reasoner.Message{
//	    reasoner.SystemMessage("You are terse."),
//	    reasoner.UserMessage("Say hi"),
//	}, reasoner.SamplingParams{})
package reasoner
