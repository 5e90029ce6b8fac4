package engine

import "github.com/any-hub/prefetch/internal/cache"

// Handle 是调用方持有的订阅视图，绑定到一个任务中的一个订阅者。
type Handle struct {
	id   string
	key  cache.Key
	eng  *Engine
	task *task
	sub  *subscriber
}

// TaskID 返回任务 ID；缓存命中的句柄拥有自己独立的 ID。
func (h *Handle) TaskID() string {
	return h.id
}

// Key 返回归一化后的缓存键。
func (h *Handle) Key() cache.Key {
	return h.key
}

// State 返回句柄当前状态。
func (h *Handle) State() State {
	if st, ok := h.sub.finalState(); ok {
		return st
	}
	if h.task != nil {
		return h.task.currentState()
	}
	return StateInit
}

// IsFinished 报告句柄是否已进入终态。
func (h *Handle) IsFinished() bool {
	return h.State().Terminal()
}

// Done 在终态回调执行完毕后关闭。
func (h *Handle) Done() <-chan struct{} {
	return h.sub.done
}

// Cancel 解除本句柄的订阅并投递一次 OnCancel；若它是运行中任务的最后一个订阅者，
// 任务被中止并立即从任务表移除。已结束的句柄调用 Cancel 没有任何效果。
func (h *Handle) Cancel() {
	if h.task == nil {
		h.sub.push(event{kind: eventCancel, err: ErrCancelled})
		return
	}
	h.eng.detach(h.task, h.sub)
}

// FromCache 报告句柄是否直接由缓存命中满足。
func (h *Handle) FromCache() bool {
	return h.task == nil
}
