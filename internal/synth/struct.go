package synth

// EnoughContext reports whether the retrieved context sufficed to answer.
type EnoughContext string

const (
	// Sufficient means the answer is fully supported by the context.
	Sufficient EnoughContext = "sufficient"
	// Partial means the context covers the question only in part.
	Partial EnoughContext = "partial"
	// Insufficient means the context does not support an answer.
	Insufficient EnoughContext = "insufficient"
)

// Answer is the validated structured output of a synthesis call.
type Answer struct {
	// ThoughtProcess lists the model's reasoning steps in order.
	ThoughtProcess []string `json:"thought_process" validate:"required,min=1,dive,required"`
	// Answer is the text shown to the user.
	Answer string `json:"answer" validate:"required"`
	// EnoughContext is the model's verdict on the retrieved context.
	EnoughContext EnoughContext `json:"enough_context" validate:"required,oneof=sufficient partial insufficient"`
}

// wireAnswer is the raw shape the model returns, before normalization.
type wireAnswer struct {
	ThoughtProcess []string `json:"thought_process"`
	Answer         string   `json:"answer"`
	EnoughContext  string   `json:"enough_context"`
}

// contextRow is the projection of a retrieved row that is shown to the model.
type contextRow struct {
	Content  any `json:"content"`
	Category any `json:"category"`
}
