package engine

import "context"

func (d *Dispatcher) Recover(ctx context.Context) ([]string, error) {
	return d.recover(ctx)
}
