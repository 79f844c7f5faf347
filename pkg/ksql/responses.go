package ksql

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/ekaya-inc/ekaya-streams/pkg/jsonutil"
)

// ============================================================================
// Normalization
// ============================================================================

var whitespaceRun = regexp.MustCompile(`\s+`)

// NormalizeIdentifier uppercases an identifier and strips quoting.
func NormalizeIdentifier(s string) string {
	s = strings.TrimSpace(s)
	s = strings.NewReplacer("`", "", `"`, "").Replace(s)
	return strings.ToUpper(s)
}

// NormalizeStatement collapses whitespace, strips quoting and trailing semicolons,
// and uppercases a statement so fragments can be compared by containment.
func NormalizeStatement(s string) string {
	s = strings.NewReplacer("`", "", `"`, "").Replace(s)
	s = whitespaceRun.ReplaceAllString(strings.TrimSpace(s), " ")
	s = strings.TrimRight(s, "; ")
	return strings.ToUpper(s)
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToUpper(s), func(r rune) bool {
		switch r {
		case '|', ',', ' ', '\t', '(', ')', '[', ']', ';', '"', '`', '\'':
			return true
		}
		return false
	})
}

func containsToken(s, token string) bool {
	if token == "" {
		return false
	}
	for _, t := range tokenize(s) {
		if t == token {
			return true
		}
	}
	return false
}

// statementCreates reports whether a CREATE ... AS SELECT text targets target.
func statementCreates(statement, target string) bool {
	if target == "" || statement == "" {
		return false
	}
	pattern := `^CREATE\s+(OR\s+REPLACE\s+)?(TABLE|STREAM)\s+(IF\s+NOT\s+EXISTS\s+)?` + regexp.QuoteMeta(target) + `\b`
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(NormalizeStatement(statement))
}

// ============================================================================
// ASCII table fallback
// ============================================================================

// tableRows splits a |-delimited text table into trimmed cells, skipping border lines.
func tableRows(body string) [][]string {
	var rows [][]string
	for _, line := range strings.Split(body, "\n") {
		if !strings.Contains(line, "|") {
			continue
		}
		if strings.Trim(line, "-+=| \t\r") == "" {
			continue
		}
		parts := strings.Split(strings.TrimSpace(line), "|")
		cells := make([]string, 0, len(parts))
		for i, p := range parts {
			p = strings.TrimSpace(p)
			if p == "" && (i == 0 || i == len(parts)-1) {
				continue
			}
			cells = append(cells, p)
		}
		if len(cells) > 0 {
			rows = append(rows, cells)
		}
	}
	return rows
}

func isHeaderRow(cells []string) bool {
	first := strings.ToUpper(cells[0])
	return first == "QUERY ID" || first == "QUERYID" || first == "ID" ||
		first == "TABLE NAME" || first == "STREAM NAME" || first == "NAME"
}

var queryStates = map[string]bool{
	"CREATED": true, "RUNNING": true, "REBALANCING": true, "PENDING_SHUTDOWN": true,
	"NOT_RUNNING": true, "ERROR": true, "PAUSED": true, "UNRESPONSIVE": true,
}

var queryTypes = map[string]bool{"PERSISTENT": true, "PUSH": true, "PULL": true}

// asciiColumns maps a SHOW QUERIES header row to cell indexes; -1 means absent.
type asciiColumns struct {
	id, sinks, topics, status, query int
}

func headerColumns(cells []string) asciiColumns {
	cols := asciiColumns{id: -1, sinks: -1, topics: -1, status: -1, query: -1}
	for i, c := range cells {
		h := strings.ToUpper(c)
		switch {
		case h == "QUERY ID" || h == "QUERYID" || h == "ID":
			cols.id = i
		case strings.Contains(h, "SINK KAFKA TOPIC"):
			cols.topics = i
		case strings.Contains(h, "SINK NAME") || h == "SINKS":
			cols.sinks = i
		case strings.Contains(h, "STATUS") || h == "STATE":
			cols.status = i
		case strings.Contains(h, "QUERY STRING"):
			cols.query = i
		}
	}
	return cols
}

// applyStatus reads a status cell such as "RUNNING", "RUNNING:2" or "RUNNING:1,ERROR:1".
func (q *QueryInfo) applyStatus(cell string) bool {
	found := false
	for _, part := range strings.FieldsFunc(strings.ToUpper(cell), func(r rune) bool { return r == ',' || r == ' ' }) {
		state, count, hasCount := strings.Cut(part, ":")
		if !queryStates[state] {
			continue
		}
		found = true
		if !hasCount {
			q.State = state
			continue
		}
		if n, err := strconv.Atoi(count); err == nil {
			if q.StatusCount == nil {
				q.StatusCount = make(map[string]int)
			}
			q.StatusCount[state] += n
		}
	}
	return found
}

func splitSinks(cell string) []string {
	var out []string
	for _, s := range strings.Split(cell, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// parseASCIIQueries decodes a text SHOW QUERIES table. With a header row, sinks
// come only from the sink columns. Headerless rows take the id from the first
// cell, sinks from the remaining single-word cells and the query string from
// the longest cell with spaces.
func parseASCIIQueries(body string) []QueryInfo {
	var out []QueryInfo
	var cols *asciiColumns
	for _, cells := range tableRows(body) {
		if isHeaderRow(cells) {
			c := headerColumns(cells)
			cols = &c
			continue
		}

		if cols != nil {
			if cols.id < 0 || cols.id >= len(cells) {
				continue
			}
			q := QueryInfo{ID: cells[cols.id]}
			at := func(i int) string {
				if i < 0 || i >= len(cells) {
					return ""
				}
				return cells[i]
			}
			q.Sinks = splitSinks(at(cols.sinks))
			q.SinkKafkaTopics = splitSinks(at(cols.topics))
			q.QueryString = at(cols.query)
			q.applyStatus(at(cols.status))
			out = append(out, q)
			continue
		}

		q := QueryInfo{ID: cells[0]}
		for _, cell := range cells[1:] {
			if q.applyStatus(cell) {
				continue
			}
			if strings.ContainsAny(cell, " \t") {
				if len(cell) > len(q.QueryString) {
					q.QueryString = cell
				}
				continue
			}
			if cell != "" && !queryTypes[strings.ToUpper(cell)] {
				q.Sinks = append(q.Sinks, cell)
			}
		}
		out = append(out, q)
	}
	return out
}

// ============================================================================
// SHOW QUERIES
// ============================================================================

// QueryInfo is one persistent query listed by SHOW QUERIES.
type QueryInfo struct {
	ID              string
	QueryString     string
	Sinks           []string
	SinkKafkaTopics []string
	State           string
	StatusCount     map[string]int
}

// IsRunning reports whether the query's state or status count says RUNNING.
func (q QueryInfo) IsRunning() bool {
	if strings.EqualFold(strings.TrimSpace(q.State), "RUNNING") {
		return true
	}
	for state, n := range q.StatusCount {
		if strings.EqualFold(state, "RUNNING") && n > 0 {
			return true
		}
	}
	return false
}

// WritesTo reports whether the query sinks into target, by sink name, sink topic
// or its CREATE statement text.
func (q QueryInfo) WritesTo(target string) bool {
	norm := NormalizeIdentifier(target)
	if norm == "" {
		return false
	}
	for _, s := range q.Sinks {
		if NormalizeIdentifier(s) == norm {
			return true
		}
	}
	for _, s := range q.SinkKafkaTopics {
		if NormalizeIdentifier(s) == norm {
			return true
		}
	}
	return statementCreates(q.QueryString, norm)
}

// ParseShowQueries decodes a SHOW QUERIES response. The boolean is false when the
// body is not JSON, in which case callers fall back to text scanning.
func ParseShowQueries(body string) ([]QueryInfo, bool) {
	objs, ok := jsonutil.DecodeObjects(body)
	if !ok {
		return nil, false
	}

	var out []QueryInfo
	for _, obj := range objs {
		if raw, has := obj["queries"]; has {
			var items []map[string]json.RawMessage
			if err := json.Unmarshal(raw, &items); err != nil {
				continue
			}
			for _, item := range items {
				out = append(out, decodeQueryInfo(item))
			}
			continue
		}
		if _, has := obj["queryString"]; has {
			out = append(out, decodeQueryInfo(obj))
		}
	}
	return out, true
}

func decodeQueryInfo(item map[string]json.RawMessage) QueryInfo {
	q := QueryInfo{
		ID:              jsonutil.FlexibleID(item["id"]),
		QueryString:     jsonutil.FlexibleStringValue(item["queryString"]),
		Sinks:           jsonutil.FlexibleStringSlice(item["sinks"]),
		SinkKafkaTopics: jsonutil.FlexibleStringSlice(item["sinkKafkaTopics"]),
		State:           jsonutil.FlexibleStringValue(item["state"]),
	}
	var counts map[string]json.RawMessage
	if raw, ok := item["statusCount"]; ok && json.Unmarshal(raw, &counts) == nil {
		q.StatusCount = make(map[string]int, len(counts))
		for k, v := range counts {
			n, err := strconv.Atoi(jsonutil.FlexibleStringValue(v))
			if err == nil {
				q.StatusCount[k] = n
			}
		}
	}
	return q
}

// listedQueries decodes a SHOW QUERIES body, falling back to the text table.
func listedQueries(body string) []QueryInfo {
	if queries, ok := ParseShowQueries(body); ok {
		return queries
	}
	return parseASCIIQueries(body)
}

// FindQueryID resolves the id of the query writing to target, or whose statement
// contains fragment. It falls back to text scanning when body is not JSON.
func FindQueryID(body, target, fragment string) string {
	queries := listedQueries(body)
	for _, q := range queries {
		if q.ID != "" && q.WritesTo(target) {
			return q.ID
		}
	}
	if fragment != "" {
		norm := NormalizeStatement(fragment)
		for _, q := range queries {
			if q.ID != "" && strings.Contains(NormalizeStatement(q.QueryString), norm) {
				return q.ID
			}
		}
	}
	return ""
}

// QueryListed reports whether queryID appears in a SHOW QUERIES body.
func QueryListed(body, queryID string) bool {
	norm := NormalizeIdentifier(queryID)
	if norm == "" {
		return false
	}
	for _, q := range listedQueries(body) {
		if NormalizeIdentifier(q.ID) == norm {
			return true
		}
	}
	return false
}

// IsQueryRunning reports whether the query identified by queryID (or, when empty,
// any query writing to target) is RUNNING in a SHOW QUERIES body.
func IsQueryRunning(body, queryID, target string) bool {
	normID := NormalizeIdentifier(queryID)
	for _, q := range listedQueries(body) {
		matched := false
		if normID != "" {
			matched = NormalizeIdentifier(q.ID) == normID
		} else {
			matched = q.WritesTo(target)
		}
		if matched && q.IsRunning() {
			return true
		}
	}
	return false
}

// QueriesWritingTo returns the ids of every listed query that sinks into target.
func QueriesWritingTo(body, target string) []string {
	var ids []string
	for _, q := range listedQueries(body) {
		if q.ID != "" && q.WritesTo(target) {
			ids = append(ids, q.ID)
		}
	}
	return ids
}

// ============================================================================
// SHOW TABLES / SHOW STREAMS
// ============================================================================

// SourceInfo is one table or stream listed by SHOW TABLES / SHOW STREAMS.
type SourceInfo struct {
	Name  string
	Topic string
	Type  string
}

// ParseSourceList decodes SHOW TABLES / SHOW STREAMS responses.
func ParseSourceList(body string) ([]SourceInfo, bool) {
	objs, ok := jsonutil.DecodeObjects(body)
	if !ok {
		return nil, false
	}
	var out []SourceInfo
	for _, obj := range objs {
		for _, key := range []string{"tables", "streams"} {
			raw, has := obj[key]
			if !has {
				continue
			}
			var items []map[string]json.RawMessage
			if err := json.Unmarshal(raw, &items); err != nil {
				continue
			}
			for _, item := range items {
				out = append(out, SourceInfo{
					Name:  jsonutil.FlexibleStringValue(item["name"]),
					Topic: jsonutil.FlexibleStringValue(item["topic"]),
					Type:  jsonutil.FlexibleStringValue(item["type"]),
				})
			}
		}
	}
	return out, true
}

// SourceListed reports whether name appears in a SHOW TABLES/STREAMS body by
// name or topic. Non-JSON bodies are checked by raw containment.
func SourceListed(body, name string) bool {
	norm := NormalizeIdentifier(name)
	if norm == "" {
		return false
	}
	sources, ok := ParseSourceList(body)
	if !ok {
		return strings.Contains(strings.ToUpper(body), norm)
	}
	for _, s := range sources {
		if NormalizeIdentifier(s.Name) == norm || NormalizeIdentifier(s.Topic) == norm {
			return true
		}
	}
	return false
}

// ============================================================================
// DESCRIBE EXTENDED
// ============================================================================

// FieldInfo is one column of a described source.
type FieldInfo struct {
	Name  string
	Type  string
	IsKey bool
}

// QueryRef is a query reading from or writing to a described source.
type QueryRef struct {
	ID          string
	QueryString string
}

// SourceDescription is the decoded body of DESCRIBE <source> EXTENDED.
type SourceDescription struct {
	Name         string
	Topic        string
	Partitions   int
	Statement    string
	Fields       []FieldInfo
	ReadQueries  []QueryRef
	WriteQueries []QueryRef
}

// ParseSourceDescription decodes a DESCRIBE EXTENDED response.
func ParseSourceDescription(body string) (*SourceDescription, bool) {
	objs, ok := jsonutil.DecodeObjects(body)
	if !ok {
		return nil, false
	}
	for _, obj := range objs {
		raw, has := obj["sourceDescription"]
		if !has {
			continue
		}
		var sd map[string]json.RawMessage
		if err := json.Unmarshal(raw, &sd); err != nil {
			continue
		}

		desc := &SourceDescription{
			Name:      jsonutil.FlexibleStringValue(sd["name"]),
			Topic:     jsonutil.FlexibleStringValue(sd["topic"]),
			Statement: jsonutil.FlexibleStringValue(sd["statement"]),
		}
		if n, err := strconv.Atoi(jsonutil.FlexibleStringValue(sd["partitions"])); err == nil {
			desc.Partitions = n
		}

		var fields []map[string]json.RawMessage
		if json.Unmarshal(sd["fields"], &fields) == nil {
			for _, f := range fields {
				fi := FieldInfo{
					Name:  jsonutil.FlexibleStringValue(f["name"]),
					IsKey: strings.EqualFold(jsonutil.FlexibleStringValue(f["type"]), "KEY"),
				}
				var schema map[string]json.RawMessage
				if json.Unmarshal(f["schema"], &schema) == nil {
					fi.Type = jsonutil.FlexibleStringValue(schema["type"])
				}
				desc.Fields = append(desc.Fields, fi)
			}
		}
		desc.ReadQueries = decodeQueryRefs(sd["readQueries"])
		desc.WriteQueries = decodeQueryRefs(sd["writeQueries"])
		return desc, true
	}
	return nil, false
}

func decodeQueryRefs(raw json.RawMessage) []QueryRef {
	var items []map[string]json.RawMessage
	if json.Unmarshal(raw, &items) != nil {
		return nil
	}
	refs := make([]QueryRef, 0, len(items))
	for _, item := range items {
		refs = append(refs, QueryRef{
			ID:          jsonutil.FlexibleID(item["id"]),
			QueryString: jsonutil.FlexibleStringValue(item["queryString"]),
		})
	}
	return refs
}

// DescribeMentionsQuery reports whether a DESCRIBE EXTENDED body references queryID.
func DescribeMentionsQuery(body, queryID string) bool {
	norm := NormalizeIdentifier(queryID)
	if norm == "" {
		return false
	}
	desc, ok := ParseSourceDescription(body)
	if !ok {
		return containsToken(body, norm)
	}
	for _, q := range append(append([]QueryRef(nil), desc.WriteQueries...), desc.ReadQueries...) {
		if NormalizeIdentifier(q.ID) == norm {
			return true
		}
	}
	return false
}

var gracePattern = regexp.MustCompile(`(?i)GRACE\s+PERIOD\s+(\d+)\s+(MILLISECONDS|SECONDS|SECOND|MINUTES|MINUTE|HOURS|HOUR|DAYS|DAY)`)

// GraceSecondsInStatement extracts the GRACE PERIOD of a windowed statement in
// seconds. The boolean is false when the statement has no grace clause.
func GraceSecondsInStatement(statement string) (int, bool) {
	m := gracePattern.FindStringSubmatch(statement)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	switch strings.ToUpper(m[2]) {
	case "MILLISECONDS":
		return n / 1000, true
	case "MINUTE", "MINUTES":
		return n * 60, true
	case "HOUR", "HOURS":
		return n * 3600, true
	case "DAY", "DAYS":
		return n * 86400, true
	default:
		return n, true
	}
}

// ============================================================================
// Statement responses
// ============================================================================

var (
	createdQueryPattern = regexp.MustCompile(`(?i)query with id\s+([A-Za-z0-9_\-]+)`)
	queryIDPattern      = regexp.MustCompile(`\b(C[ST]AS_[A-Z0-9_]+|INSERTQUERY_[0-9]+)\b`)
)

// ExtractQueryID pulls the persistent query id out of a CREATE ... AS SELECT
// response: commandStatus.queryId, then the "Created query with ID" message,
// then any CTAS_/CSAS_ token in the raw body.
func ExtractQueryID(resp *Response) string {
	if resp == nil {
		return ""
	}
	if objs, ok := jsonutil.DecodeObjects(resp.Body); ok {
		for _, obj := range objs {
			var status map[string]json.RawMessage
			if json.Unmarshal(obj["commandStatus"], &status) != nil {
				continue
			}
			if id := jsonutil.FlexibleID(status["queryId"]); id != "" {
				return id
			}
			if m := createdQueryPattern.FindStringSubmatch(jsonutil.FlexibleStringValue(status["message"])); m != nil {
				return m[1]
			}
		}
	}
	for _, text := range []string{resp.Message, resp.Body} {
		if m := createdQueryPattern.FindStringSubmatch(text); m != nil {
			return m[1]
		}
	}
	if m := queryIDPattern.FindStringSubmatch(strings.ToUpper(resp.Body)); m != nil {
		return m[1]
	}
	return ""
}

// ParseErrorBody extracts message and error code from a statement_error body.
func ParseErrorBody(body string) (string, int, bool) {
	objs, ok := jsonutil.DecodeObjects(body)
	if !ok {
		return "", 0, false
	}
	for _, obj := range objs {
		msg := jsonutil.FlexibleStringValue(obj["message"])
		if msg == "" {
			continue
		}
		code, _ := strconv.Atoi(jsonutil.FlexibleStringValue(obj["error_code"]))
		return msg, code, true
	}
	return "", 0, false
}

// ParseErrorDetail returns the rejected statement text and the top stack frames
// of an error body, one per line. Empty when the body carries neither.
func ParseErrorDetail(body string) string {
	objs, ok := jsonutil.DecodeObjects(body)
	if !ok {
		return ""
	}
	var lines []string
	for _, obj := range objs {
		if text := jsonutil.FlexibleStringValue(obj["statementText"]); text != "" {
			lines = append(lines, "statement: "+strings.TrimSpace(text))
		}
		var frames []string
		if json.Unmarshal(obj["stackTrace"], &frames) == nil {
			for _, f := range frames[:min(len(frames), 3)] {
				lines = append(lines, strings.TrimSpace(f))
			}
		}
	}
	return strings.Join(lines, "\n")
}

// ParseCommandStatus returns the commandStatus status and message of a statement response.
func ParseCommandStatus(body string) (string, string, bool) {
	objs, ok := jsonutil.DecodeObjects(body)
	if !ok {
		return "", "", false
	}
	for _, obj := range objs {
		var status map[string]json.RawMessage
		if json.Unmarshal(obj["commandStatus"], &status) != nil {
			continue
		}
		return jsonutil.FlexibleStringValue(status["status"]), jsonutil.FlexibleStringValue(status["message"]), true
	}
	return "", "", false
}
