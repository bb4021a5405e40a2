package coordinator

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const defaultCompensationTimeout = 5 * time.Second

// compensation - зарегистрированное корректирующее действие.
// Либо выполняется (run), либо отменяется (discard), но не то и другое.
// Ошибка самого действия только логируется и считается, наружу не выходит.
type compensation struct {
	name    string
	action  func(ctx context.Context) error
	timeout time.Duration
	logger  *log.Entry
	report  func(ok bool)

	once sync.Once
}

func (c *Coordinator) register(name string, fields log.Fields, action func(ctx context.Context) error) *compensation {
	return &compensation{
		name:    name,
		action:  action,
		timeout: c.compensationTimeout,
		logger:  c.logger.WithFields(fields).WithField("compensation", name),
		report:  c.observer.CompensationRun,
	}
}

// run выполняет действие на контексте, не зависящем от отмены вызывающего.
// Возвращает true, если компенсация прошла.
func (cp *compensation) run(ctx context.Context) bool {
	ok := false
	cp.once.Do(func() {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cp.timeout)
		defer cancel()

		if err := cp.action(runCtx); err != nil {
			cp.logger.WithError(err).Error("compensation failed, record left behind")
			cp.report(false)
			return
		}
		cp.logger.Info("compensation applied")
		cp.report(true)
		ok = true
	})
	return ok
}

// discard снимает регистрацию: после него run ничего не делает.
func (cp *compensation) discard() {
	cp.once.Do(func() {})
}
