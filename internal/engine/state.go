package engine

// State 是任务与句柄共享的状态机：INIT → RUNNING → {SUCCESS, FAIL, CANCEL}。
type State int

const (
	StateInit State = iota
	StateRunning
	StateSuccess
	StateFail
	StateCancel
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateRunning:
		return "RUNNING"
	case StateSuccess:
		return "SUCCESS"
	case StateFail:
		return "FAIL"
	case StateCancel:
		return "CANCEL"
	default:
		return "UNKNOWN"
	}
}

// Terminal 报告是否为终态。
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFail || s == StateCancel
}

// MarshalText 使状态在 JSON 中输出为名称。
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
