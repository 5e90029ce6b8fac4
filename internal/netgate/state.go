package netgate

import "strings"

// Kind 是对外暴露的网络类型。
type Kind int

const (
	KindNone Kind = iota
	KindWifi
	KindCellular
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindWifi:
		return "wifi"
	case KindCellular:
		return "cellular"
	case KindOther:
		return "other"
	default:
		return "none"
	}
}

// MarshalText 使 JSON 输出可读的类型名。
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Bearer 是底层承载网络的传输类型，一个网络可以同时具备多个。
type Bearer int

const (
	BearerOther Bearer = iota
	BearerWifi
	BearerCellular
	BearerEthernet
	BearerVPN
)

func (b Bearer) String() string {
	switch b {
	case BearerWifi:
		return "wifi"
	case BearerCellular:
		return "cellular"
	case BearerEthernet:
		return "ethernet"
	case BearerVPN:
		return "vpn"
	default:
		return "other"
	}
}

// State 描述当前网络是否可用及其计费属性。
type State struct {
	Reachable bool `json:"reachable"`
	Kind      Kind `json:"kind"`
	Metered   bool `json:"metered"`
	Roaming   bool `json:"roaming"`
}

// Info 是连接事件携带的网络能力描述。
type Info struct {
	Bearers   []Bearer
	Validated bool
	Roaming   bool
	Interface string
}

// EventType 区分连接事件。
type EventType int

const (
	EventAvailable EventType = iota
	EventCapabilitiesChanged
	EventLost
	EventUnavailable
)

// Event 是 OS 来源上报的一次连接变化。
type Event struct {
	Type EventType
	Info Info
}

// Available 构造网络可用事件。
func Available(info Info) Event {
	return Event{Type: EventAvailable, Info: info}
}

// CapabilitiesChanged 构造能力变化事件。
func CapabilitiesChanged(info Info) Event {
	return Event{Type: EventCapabilitiesChanged, Info: info}
}

// Lost 构造网络丢失事件。
func Lost() Event {
	return Event{Type: EventLost}
}

// Unavailable 构造网络不可用事件。
func Unavailable() Event {
	return Event{Type: EventUnavailable}
}

// Classify 把网络能力映射为 State。未通过验证的网络视为不可达；
// 只要包含 Wifi 即按 Wifi 处理，其次是蜂窝网络，其余归为 Other。
func Classify(info Info) State {
	if !info.Validated {
		return State{Kind: KindNone}
	}
	if hasBearer(info.Bearers, BearerWifi) {
		return State{Reachable: true, Kind: KindWifi}
	}
	if hasBearer(info.Bearers, BearerCellular) {
		return State{Reachable: true, Kind: KindCellular, Metered: true, Roaming: info.Roaming}
	}
	return State{Reachable: true, Kind: KindOther}
}

func hasBearer(bearers []Bearer, want Bearer) bool {
	for _, b := range bearers {
		if b == want {
			return true
		}
	}
	return false
}

// BearerForInterface 按接口名推断承载类型。
func BearerForInterface(name string) Bearer {
	n := strings.ToLower(name)
	switch {
	case strings.HasPrefix(n, "wl"):
		return BearerWifi
	case strings.HasPrefix(n, "wwan"), strings.HasPrefix(n, "rmnet"), strings.HasPrefix(n, "ppp"):
		return BearerCellular
	case strings.HasPrefix(n, "en"), strings.HasPrefix(n, "eth"):
		return BearerEthernet
	case strings.HasPrefix(n, "tun"), strings.HasPrefix(n, "wg"), strings.HasPrefix(n, "tap"):
		return BearerVPN
	default:
		return BearerOther
	}
}
