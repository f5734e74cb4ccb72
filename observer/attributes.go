package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for observability spans and metrics.
var (
	AttrModelID       = attribute.Key("model.id")
	AttrModelProvider = attribute.Key("model.provider")

	AttrTokensInput  = attribute.Key("model.tokens.input")
	AttrTokensOutput = attribute.Key("model.tokens.output")

	AttrToolCount = attribute.Key("model.tool_count")
	AttrToolNames = attribute.Key("model.tool_names")

	AttrToolName         = attribute.Key("tool.name")
	AttrToolStatus       = attribute.Key("tool.status")
	AttrToolResultLength = attribute.Key("tool.result_length")

	AttrUserID    = attribute.Key("agent.user_id")
	AttrSessionID = attribute.Key("agent.session_id")
	AttrTruncated = attribute.Key("agent.truncated")
)
