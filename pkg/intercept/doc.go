// Package intercept observes HTTP calls made through the two entry points a
// Go program typically has: a fetch-style http.RoundTripper and a
// callback-style Call (open, send, completion listeners).
//
// An Interceptor owns one wrapper per entry point. Install stores the wrapper
// into its Point unless the Point already holds it; Monitor keeps checking
// identity and puts the wrapper back when some other writer replaced it.
//
//	rt := intercept.NewVar[http.RoundTripper](http.DefaultTransport)
//	ic := intercept.New(intercept.Options{Fetch: rt, Sink: intercept.NewLogSink(logger)})
//	ic.Install()
//	go ic.Monitor(ctx)
//
//	client := &http.Client{Transport: intercept.Live(rt)}
//
// Observation is best effort. Nothing in the observation path returns an
// error to the caller, blocks delivery of a response, or changes the request
// or response the caller sees.
package intercept
