// Package controlplane implements the Control-Plane Client (spec §4.G):
// a long-lived bidirectional stream to the control-plane endpoint that
// seeds and maintains the Topology Store, plus a secondary ActiveUsers
// stream for overload-control hints. Messages are exchanged as JSON text
// frames over a gorilla/websocket connection rather than generated
// protobuf/gRPC stubs (see DESIGN.md); the shapes below mirror spec §6's
// DBService/DBLocation/ServiceChangeEvent wire contract field for field.
package controlplane

// DBLocation is (region, availability_zone, namespace, node_name).
type DBLocation struct {
	Region           string `json:"region"`
	AvailabilityZone string `json:"available_zone"`
	Namespace        string `json:"namespace"`
	NodeName         string `json:"node_name"`
}

// ServiceStatus mirrors the control plane's DBService status enum.
type ServiceStatus int

const (
	StatusUnknown  ServiceStatus = 0
	StatusNotReady ServiceStatus = 1
	StatusReady    ServiceStatus = 2
	StatusOffline  ServiceStatus = 3
)

// ServiceSecrets carries the backend credentials the proxy dials with.
type ServiceSecrets struct {
	User     string `json:"user"`
	Password string `json:"password"`
}

// DBService is one backend endpoint as the control plane describes it.
type DBService struct {
	Location    DBLocation        `json:"location"`
	Cluster     string            `json:"cluster"`
	ServiceName string            `json:"service_name"`
	Status      ServiceStatus     `json:"status"`
	Address     string            `json:"address"`
	Port        int               `json:"port"`
	Secrets     ServiceSecrets    `json:"service_secrets"`
	Endpoints   []string          `json:"endpoints"`
	Payload     map[string]string `json:"payload"`
}

// ServiceChangeEvent is one incremental topology update, timestamped so
// the Topology Store can drop stale replays (spec §4.F, §8).
type ServiceChangeEvent struct {
	Service   DBService `json:"service"`
	EventTime int64     `json:"event_time_ns"`
}

// MessageType discriminates the JSON envelopes exchanged on the Topology
// stream, the same "type tag plus payload" shape the teacher's
// protocol.PeerMessage uses for its control channel.
type MessageType string

const (
	MsgGetTopology             MessageType = "get_topology"
	MsgGetTopologyResponse     MessageType = "get_topology_response"
	MsgSubscribe               MessageType = "subscribe"
	MsgSubscribeNamespace      MessageType = "subscribe_namespace"
	MsgCancelSubscribe         MessageType = "cancel_subscribe"
	MsgCancelSubscribeNamespace MessageType = "cancel_subscribe_namespace"
	MsgChangeEvent             MessageType = "change_event"
	MsgServiceList             MessageType = "service_list"
)

// Envelope is the outer JSON frame every Topology-stream message travels
// in. Exactly one payload field is populated per Type.
type Envelope struct {
	Type MessageType `json:"type"`

	// GetTopology request.
	Locations []DBLocation      `json:"locations,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`

	// Subscribe / SubscribeNamespace / CancelSubscribe(Namespace) request.
	ClusterName string     `json:"cluster_name,omitempty"`
	DBLocation  *DBLocation `json:"db_location,omitempty"`
	SubscribeID string     `json:"subscribe_id,omitempty"`
	Force       bool       `json:"force,omitempty"`

	// Responses.
	ServiceList []DBService        `json:"service_list,omitempty"`
	ChangeEvent *ServiceChangeEvent `json:"change_event,omitempty"`
}

// ActiveUsers stream shapes (spec §4.G, §6): a framed sequence of
// per-cluster usage hints, carried behind a header describing how many
// packages follow and their sizes.
type ActiveUserPacketType string

const ActiveUserPacket ActiveUserPacketType = "active_user"

type ActiveUsersHeader struct {
	PacketType     ActiveUserPacketType `json:"packet_type"`
	PackageCount   int                  `json:"package_count"`
	SizePrePackage int                  `json:"size_pre_package"`
	Size           int                  `json:"size"`
}

// UserCom is one (cluster, user, opaque commentary, timestamp) hint.
type UserCom struct {
	Cluster string `json:"cluster"`
	User    string `json:"user"`
	Com     string `json:"com"`
	ComTs   int64  `json:"com_ts"`
}

type ActiveUsersMessage struct {
	Header       ActiveUsersHeader `json:"header"`
	ActiveUserCom []UserCom        `json:"active_user_com"`
}
