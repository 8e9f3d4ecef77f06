package domain

// TransformAssignment derives a forum topic from a courseware assignment.
// The caller injects "category_id" into the source payload after resolving
// the course mapping; handlers never look mappings up themselves.
func TransformAssignment(in TransformInput) (TransformOutput, error) {
	source, err := resolveSource(in, EntityAssignment)
	if err != nil {
		return TransformOutput{}, err
	}

	title, err := requireString(source, "name")
	if err != nil {
		return TransformOutput{}, err
	}

	target := map[string]any{
		"title": title,
		"raw":   stringField(source, "description"),
	}
	if categoryID := stringField(source, "category_id"); categoryID != "" {
		target["category_id"] = categoryID
	}
	if dueAt := stringField(source, "due_at"); dueAt != "" {
		target["due_at"] = dueAt
	}
	return TransformOutput{Target: target}, nil
}

// TransformDiscussion derives a forum topic from a courseware discussion.
func TransformDiscussion(in TransformInput) (TransformOutput, error) {
	source, err := resolveSource(in, EntityDiscussion)
	if err != nil {
		return TransformOutput{}, err
	}

	title, err := requireString(source, "title")
	if err != nil {
		return TransformOutput{}, err
	}

	target := map[string]any{
		"title": title,
		"raw":   stringField(source, "message"),
	}
	if categoryID := stringField(source, "category_id"); categoryID != "" {
		target["category_id"] = categoryID
	}
	return TransformOutput{Target: target}, nil
}
