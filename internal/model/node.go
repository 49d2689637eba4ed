package model

// NodeStatus - жизненный цикл узла.
type NodeStatus string

const (
	NodePending    NodeStatus = "pending"
	NodeGenerating NodeStatus = "generating"
	NodeCompleted  NodeStatus = "completed"
	NodeError      NodeStatus = "error"
)

// NodeKind отличает узлы основной линии от сегментов ветвлений.
type NodeKind string

const (
	NodeKindMain       NodeKind = "main"
	NodeKindBranchBody NodeKind = "branch_body"
	NodeKindBranchEnd  NodeKind = "branch_end"
)

// Node - единица генерации. Для основной линии повторяет EventPlan.
type Node struct {
	EventPlan
	Content      string     `json:"content"`
	Status       NodeStatus `json:"status"`
	QualityScore *int       `json:"qualityScore,omitempty"`
	RerollCount  int        `json:"rerollCount,omitempty"`

	Kind           NodeKind   `json:"kind,omitempty"`
	BranchID       string     `json:"branchId,omitempty"`
	BranchKind     BranchType `json:"branchKind,omitempty"`
	ParentNodeID   *int       `json:"parentNodeId,omitempty"`
	ReturnToNodeID *int       `json:"returnToNodeId,omitempty"`
}

// IsMain - узел основной линии (пустой Kind считается main для старых записей).
func (n Node) IsMain() bool {
	return n.Kind == "" || n.Kind == NodeKindMain
}

// NewNodeFromPlan создаёт pending-узел при подтверждении плана.
func NewNodeFromPlan(p EventPlan) Node {
	return Node{EventPlan: p, Status: NodePending, Kind: NodeKindMain}
}

// IntPtr - хелпер для опциональных id.
func IntPtr(v int) *int {
	return &v
}
