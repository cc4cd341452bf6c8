package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/oggycat-dev/sagabox/event"
	"github.com/oggycat-dev/sagabox/logger"
)

// Handler computes the result of one rpc request. Returning (nil, nil) is
// the "nothing found" case and produces a successful empty response.
type Handler func(ctx context.Context, req *event.Envelope) (any, error)

// Responder is the answering side of the bridge: an ordinary event
// consumer that receives requests, runs the handler and replies with a
// response event stamped with the original request id.
type Responder struct {
	publisher    Publisher
	source       string
	responseType string
	handler      Handler
	logger       logger.Logger
}

// NewResponder creates a Responder publishing responses of the given type.
func NewResponder(source string, responseType string, p Publisher, h Handler, options ...respOpt) *Responder {
	if p == nil || h == nil {
		panic("you must provide a publisher and a handler")
	}
	r := &Responder{
		publisher:    p,
		source:       source,
		responseType: responseType,
		handler:      h,
		logger:       &logger.NopLogger{},
	}
	for _, o := range options {
		o(r)
	}
	return r
}

// respOpt allows optional configuration.
type respOpt func(r *Responder)

// WithResponderLogger allows clients to configure an optional logger.
func WithResponderLogger(l logger.Logger) respOpt {
	return func(r *Responder) {
		if l != nil {
			r.logger = l
		}
	}
}

// Accept handles one request envelope. Business failures travel inside the
// response as success=false; only publishing problems surface as errors so
// the consumer loop can retry the delivery.
func (r *Responder) Accept(ctx context.Context, req *event.Envelope) error {
	res := Result{Success: true}
	out, err := r.handler(ctx, req)
	if err != nil {
		res.Success = false
		res.ErrorMessage = err.Error()
	} else if out != nil {
		data, err := json.Marshal(out)
		if err != nil {
			res.Success = false
			res.ErrorMessage = fmt.Sprintf("could not serialize the result: %v", err)
		} else {
			res.Data = data
		}
	}

	env, err := event.New(r.responseType, r.source, req.CorrelationId, res)
	if err != nil {
		return fmt.Errorf("could not build the response: %w", err)
	}
	return r.publisher.PublishEnvelope(ctx, env)
}
