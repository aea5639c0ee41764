package popup

// Way is one entry of an expression-method selector. Method and ResultType are
// passed through to the content runner untouched.
type Way struct {
	Label      string
	Method     string
	ResultType string
}

// MainWays are the choices for the main expression.
var MainWays = []Way{
	{Label: "evaluate (ANY_TYPE)", Method: "evaluate", ResultType: "ANY_TYPE"},
	{Label: "evaluate (NUMBER_TYPE)", Method: "evaluate", ResultType: "NUMBER_TYPE"},
	{Label: "evaluate (STRING_TYPE)", Method: "evaluate", ResultType: "STRING_TYPE"},
	{Label: "evaluate (BOOLEAN_TYPE)", Method: "evaluate", ResultType: "BOOLEAN_TYPE"},
	{Label: "evaluate (UNORDERED_NODE_ITERATOR_TYPE)", Method: "evaluate", ResultType: "UNORDERED_NODE_ITERATOR_TYPE"},
	{Label: "evaluate (ORDERED_NODE_ITERATOR_TYPE)", Method: "evaluate", ResultType: "ORDERED_NODE_ITERATOR_TYPE"},
	{Label: "evaluate (UNORDERED_NODE_SNAPSHOT_TYPE)", Method: "evaluate", ResultType: "UNORDERED_NODE_SNAPSHOT_TYPE"},
	{Label: "evaluate (ORDERED_NODE_SNAPSHOT_TYPE)", Method: "evaluate", ResultType: "ORDERED_NODE_SNAPSHOT_TYPE"},
	{Label: "evaluate (ANY_UNORDERED_NODE_TYPE)", Method: "evaluate", ResultType: "ANY_UNORDERED_NODE_TYPE"},
	{Label: "evaluate (FIRST_ORDERED_NODE_TYPE)", Method: "evaluate", ResultType: "FIRST_ORDERED_NODE_TYPE"},
	{Label: "querySelector", Method: "querySelector", ResultType: "FIRST_ORDERED_NODE_TYPE"},
	{Label: "querySelectorAll", Method: "querySelectorAll", ResultType: "ORDERED_NODE_SNAPSHOT_TYPE"},
}

// ContextWays are the choices for the context expression, which must yield one node.
var ContextWays = []Way{
	{Label: "evaluate (ANY_UNORDERED_NODE_TYPE)", Method: "evaluate", ResultType: "ANY_UNORDERED_NODE_TYPE"},
	{Label: "evaluate (FIRST_ORDERED_NODE_TYPE)", Method: "evaluate", ResultType: "FIRST_ORDERED_NODE_TYPE"},
	{Label: "querySelector", Method: "querySelector", ResultType: "FIRST_ORDERED_NODE_TYPE"},
}

func wayAt(ways []Way, index int) Way {
	if index < 0 || index >= len(ways) {
		return ways[0]
	}
	return ways[index]
}
