package db

import (
	"context"
)

// ChunkLimit bounds the number of SQL parameters bound by a single statement.
const ChunkLimit = 1000

type Client interface {
	Init(ctx context.Context) error
	Read(ctx context.Context, op func(context.Context, ReadOnly) error) error
	Write(ctx context.Context, op func(context.Context, Transaction) error) error
	Close() error
}

type ClientInterface interface {
	New(dir string) (Client, bool, error)
	Delete(dir string) error
}

func ClientReadType[T any](ctx context.Context, c Client, op func(context.Context, ReadOnly) (T, error)) (T, error) {
	var result T

	err := c.Read(ctx, func(ctx context.Context, read ReadOnly) error {
		var err error

		result, err = op(ctx, read)

		return err
	})

	return result, err
}

func ClientWriteType[T any](ctx context.Context, c Client, op func(context.Context, Transaction) (T, error)) (T, error) {
	var result T

	err := c.Write(ctx, func(ctx context.Context, t Transaction) error {
		var err error

		result, err = op(ctx, t)

		return err
	})

	return result, err
}
