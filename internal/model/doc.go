package model

const (
	NodeDoc            = "doc"
	NodeParagraph      = "paragraph"
	NodeHeading        = "heading"
	NodeText           = "text"
	NodeBulletList     = "bullet_list"
	NodeOrderedList    = "ordered_list"
	NodeCheckboxList   = "checkbox_list"
	NodeListItem       = "list_item"
	NodeCheckboxItem   = "checkbox_item"
	NodeBlockquote     = "blockquote"
	NodeNotice         = "container_notice"
	NodeCodeBlock      = "code_block"
	NodeHorizontalRule = "hr"
	NodeMath           = "math_block"
	NodeImage          = "image"
	NodeVideo          = "video"
	NodeAttachment     = "attachment"
	NodeMention        = "mention"
	NodeEmbed          = "embed"
	NodeTable          = "table"
	NodeTableRow       = "tr"
	NodeTableCell      = "td"
	NodeHardBreak      = "br"
)

const (
	MarkBold      = "strong"
	MarkItalic    = "em"
	MarkStrike    = "strikethrough"
	MarkUnderline = "underline"
	MarkCode      = "code_inline"
	MarkLink      = "link"
)

// Doc is the internal rich document tree.
type Doc struct {
	Type    string `json:"type"`
	Content []Node `json:"content"`
}

type Node struct {
	Type    string                 `json:"type"`
	Attrs   map[string]interface{} `json:"attrs,omitempty"`
	Content []Node                 `json:"content,omitempty"`
	Text    string                 `json:"text,omitempty"`
	Marks   []Mark                 `json:"marks,omitempty"`
}

type Mark struct {
	Type  string                 `json:"type"`
	Attrs map[string]interface{} `json:"attrs,omitempty"`
}

func NewDoc(nodes ...Node) *Doc {
	if nodes == nil {
		nodes = []Node{}
	}
	return &Doc{Type: NodeDoc, Content: nodes}
}

// AttrString returns attrs[key] when it holds a string.
func (n *Node) AttrString(key string) string {
	if n.Attrs == nil {
		return ""
	}
	v, _ := n.Attrs[key].(string)
	return v
}

func (n *Node) SetAttr(key string, value interface{}) {
	if n.Attrs == nil {
		n.Attrs = make(map[string]interface{})
	}
	n.Attrs[key] = value
}

// Walk visits every node in depth-first order. fn receives a pointer into the
// tree so it can rewrite nodes in place.
func (d *Doc) Walk(fn func(n *Node)) {
	if d == nil {
		return
	}
	walkNodes(d.Content, fn)
}

func walkNodes(nodes []Node, fn func(n *Node)) {
	for i := range nodes {
		fn(&nodes[i])
		walkNodes(nodes[i].Content, fn)
	}
}
