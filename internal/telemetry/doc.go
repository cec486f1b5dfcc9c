// Package telemetry wires OpenTelemetry into phaseflow.
//
// Init builds OTLP/gRPC trace and metric providers from config and
// registers them globally; with telemetry disabled nothing is dialled and
// the global noop providers stay in place. SpanObserver implements
// workflow.Observer: every phase attempt becomes a span whose trace id is
// stored in the context passed to the agent, and each finished session is
// recorded as a workflow span covering its full run.
package telemetry
