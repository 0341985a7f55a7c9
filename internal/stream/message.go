package stream

// Message 一帧已解码的行情消息。核心不理解 schema，只透传给 predicate。
type Message map[string]any

// Predicate 由调用方提供的匹配条件，必须无副作用。
type Predicate func(Message) bool

// Str returns the string value under key, or "" when absent or not a string.
func (m Message) Str(key string) string {
	s, _ := m[key].(string)
	return s
}

// Bool returns the bool value under key, or false when absent.
func (m Message) Bool(key string) bool {
	b, _ := m[key].(bool)
	return b
}

// Float returns the numeric value under key. encoding/json decodes all JSON
// numbers into float64, so req_id etc. land here.
func (m Message) Float(key string) float64 {
	f, _ := m[key].(float64)
	return f
}

// Items returns the data array under key, one record per symbol.
func (m Message) Items(key string) []any {
	arr, _ := m[key].([]any)
	return arr
}
