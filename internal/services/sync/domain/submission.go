package domain

// TransformSubmission derives a forum post from a courseware submission. The
// caller injects "topic_id" (resolved assignment mapping) and "username"
// (resolved user mapping) into the source payload beforehand.
func TransformSubmission(in TransformInput) (TransformOutput, error) {
	source, err := resolveSource(in, EntitySubmission)
	if err != nil {
		return TransformOutput{}, err
	}

	topicID, err := requireString(source, "topic_id")
	if err != nil {
		return TransformOutput{}, err
	}
	body := stringField(source, "body")
	if body == "" {
		body = stringField(source, "content")
	}
	if body == "" {
		return TransformOutput{}, &ValidationError{Field: "body", Reason: "is required"}
	}

	target := map[string]any{
		"topic_id": topicID,
		"raw":      body,
	}
	if username := stringField(source, "username"); username != "" {
		target["username"] = username
	}
	return TransformOutput{Target: target}, nil
}
