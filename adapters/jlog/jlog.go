package jlog

import (
	"context"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"github.com/luno/jettison/log"

	"github.com/fluxline/exchange"
)

func New() *logger {
	return &logger{}
}

type logger struct{}

func (l logger) Debug(ctx context.Context, msg string, meta exchange.MKV) {
	log.Debug(ctx, msg, j.MKS(meta))
}

func (l logger) Info(ctx context.Context, msg string, meta exchange.MKV) {
	log.Info(ctx, msg, j.MKS(meta))
}

func (l logger) Error(ctx context.Context, err error) {
	log.Error(ctx, errors.Wrap(err, ""))
}

var _ exchange.Logger = (*logger)(nil)
