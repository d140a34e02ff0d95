// Package telemetry wraps the OpenTelemetry SDK's trace and metric
// providers for the mesh, grounded on gomind's telemetry/otel.go
// OTelProvider: one provider owning a tracer, a meter, and their SDK
// providers, with StartSpan/RecordXxx helpers so the rest of the mesh
// never imports go.opentelemetry.io/otel directly.
//
// Unlike OTelProvider this has no OTLP exporter wired in — the exporter
// packages (otlptracehttp/otlpmetrichttp) were never part of the
// dependency set this module was built against, so spans and metrics
// stay in-process (collectible via a pull-based reader an operator can
// attach later) rather than failing to build against a missing package.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const meterName = "llmesh"

// Provider is the mesh's telemetry handle: one tracer and a small set of
// counters covering the operations worth dashboarding (RPC requests, tool
// invocations, mesh calls, chain cycles).
type Provider struct {
	tp *sdktrace.TracerProvider
	mp *sdkmetric.MeterProvider

	tracer trace.Tracer

	rpcRequests metric.Int64Counter
	toolCalls   metric.Int64Counter
	meshCalls   metric.Int64Counter
	chainCycles metric.Int64Counter
}

// New builds a Provider and installs it as the process-wide default, the
// way OTelProvider installs itself via otel.SetTracerProvider/
// otel.SetMeterProvider.
func New(serviceName string) (*Provider, error) {
	tp := sdktrace.NewTracerProvider()
	mp := sdkmetric.NewMeterProvider()
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	meter := mp.Meter(meterName)

	rpcRequests, err := meter.Int64Counter("llmesh.rpc.requests", metric.WithDescription("JSON-RPC requests handled"))
	if err != nil {
		return nil, err
	}
	toolCalls, err := meter.Int64Counter("llmesh.tools.calls", metric.WithDescription("tool dispatcher invocations"))
	if err != nil {
		return nil, err
	}
	meshCalls, err := meter.Int64Counter("llmesh.mesh.calls", metric.WithDescription("guarded LLM mesh calls"))
	if err != nil {
		return nil, err
	}
	chainCycles, err := meter.Int64Counter("llmesh.chain.cycles", metric.WithDescription("chain cycles executed"))
	if err != nil {
		return nil, err
	}

	return &Provider{
		tp:          tp,
		mp:          mp,
		tracer:      tp.Tracer(serviceName),
		rpcRequests: rpcRequests,
		toolCalls:   toolCalls,
		meshCalls:   meshCalls,
		chainCycles: chainCycles,
	}, nil
}

// StartSpan starts a span named name, returning the span-carrying context
// callers must propagate downstream.
func (p *Provider) StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, name)
}

// RecordRPCRequest increments the rpc-requests counter, tagged by method.
func (p *Provider) RecordRPCRequest(ctx context.Context, method string) {
	p.rpcRequests.Add(ctx, 1, metric.WithAttributes(attribute.String("method", method)))
}

// RecordToolCall increments the tool-calls counter, tagged by tool name
// and outcome.
func (p *Provider) RecordToolCall(ctx context.Context, toolName string, success bool) {
	p.toolCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool", toolName),
		attribute.Bool("success", success),
	))
}

// RecordMeshCall increments the mesh-calls counter, tagged by target
// endpoint and outcome.
func (p *Provider) RecordMeshCall(ctx context.Context, endpoint string, success bool) {
	p.meshCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.Bool("success", success),
	))
}

// RecordChainCycle increments the chain-cycles counter, tagged by the
// next action the cycle resolved to.
func (p *Provider) RecordChainCycle(ctx context.Context, nextAction string) {
	p.chainCycles.Add(ctx, 1, metric.WithAttributes(attribute.String("next_action", nextAction)))
}

// Shutdown flushes and stops both underlying providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if err := p.tp.Shutdown(ctx); err != nil {
		return err
	}
	return p.mp.Shutdown(ctx)
}
