// Package trace records code generation spans and instant events.
//
// Phases of a Generate call, IR passes, per-function emission and the
// machine optimizer's loop decisions are reported against a Tracer taken
// from the context:
//
//	ctx = trace.WithTracer(ctx, tracer)
//	span := trace.Begin(trace.FromContext(ctx), trace.ScopePass, "pass:dce", trace.CurrentSpan(ctx).SpanID)
//	defer span.End("")
//
// A stream tracer writes each event as it happens. A ring tracer keeps the
// most recent events in memory so a failed build can dump them.
//
//	kiln build --trace=- --trace-level=detail prog.kir
//	kiln build --trace-mode=ring --trace-level=debug prog.kir
package trace
