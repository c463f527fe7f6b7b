package framesync

import (
	"context"

	"github.com/shiwa/rgb-sync/internal/console"
)

// Console — доступ консоли к демону: каждый вызов ставится в очередь цикла Run.
func (d *Daemon) Console() console.Backend {
	return remote{d}
}

type remote struct {
	d *Daemon
}

// Результаты возвращаются через буферизованный канал: при отмене ctx замыкание
// может выполниться уже после возврата из метода.
func (r remote) Status(ctx context.Context) (string, error) {
	res := make(chan string, 1)
	if err := r.d.do(ctx, func() error {
		res <- r.d.Status().String()
		return nil
	}); err != nil {
		return "", err
	}
	return <-res, nil
}

func (r remote) Get(ctx context.Context) ([]console.Tunable, error) {
	res := make(chan []console.Tunable, 1)
	if err := r.d.do(ctx, func() error {
		var ts []console.Tunable
		for _, t := range r.d.Tunables() {
			ts = append(ts, console.Tunable{Name: t.Name, Value: t.Value})
		}
		res <- ts
		return nil
	}); err != nil {
		return nil, err
	}
	return <-res, nil
}

func (r remote) Set(ctx context.Context, name, value string) error {
	return r.d.do(ctx, func() error { return r.d.SetTunable(name, value) })
}

func (r remote) Calibrate(ctx context.Context) error {
	return r.d.do(ctx, func() error {
		r.d.CalibrateClocks()
		return nil
	})
}

func (r remote) CalibrateAuto(ctx context.Context) error {
	return r.d.do(ctx, r.d.CalibrateAuto)
}

func (r remote) Align(ctx context.Context) (string, error) {
	res := make(chan string, 1)
	if err := r.d.do(ctx, func() error {
		a, err := r.d.Align()
		if err != nil {
			return err
		}
		res <- a.String()
		return nil
	}); err != nil {
		return "", err
	}
	return <-res, nil
}
