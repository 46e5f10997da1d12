package callapi

import (
	"sync"
)

// taskQueue выполняет задачи по одной в собственной горутине в порядке постановки.
// Очередь не ограничена, поэтому post никогда не блокирует вызывающего.
type taskQueue struct {
	mu      sync.Mutex
	tasks   []func()
	signal  chan struct{}
	closed  bool
	running sync.WaitGroup
	onPanic func(recovered interface{})
}

func newTaskQueue(onPanic func(interface{})) *taskQueue {
	q := &taskQueue{
		signal:  make(chan struct{}, 1),
		onPanic: onPanic,
	}
	q.running.Add(1)
	go q.run()
	return q
}

// post ставит задачу в очередь. Возвращает false если очередь закрыта.
func (q *taskQueue) post(task func()) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.tasks = append(q.tasks, task)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

func (q *taskQueue) run() {
	defer q.running.Done()
	for {
		q.mu.Lock()
		if len(q.tasks) == 0 {
			if q.closed {
				q.mu.Unlock()
				return
			}
			q.mu.Unlock()
			<-q.signal
			continue
		}
		task := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		q.exec(task)
	}
}

func (q *taskQueue) exec(task func()) {
	defer func() {
		if r := recover(); r != nil && q.onPanic != nil {
			q.onPanic(r)
		}
	}()
	task()
}

// close запрещает новые задачи; уже поставленные будут выполнены.
// Повторный вызов безопасен.
func (q *taskQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// wait ждет остановки горутины очереди. Нельзя вызывать из задачи этой же очереди.
func (q *taskQueue) wait() {
	q.running.Wait()
}
