package domain

// TransformCourse derives a forum category from a courseware course.
func TransformCourse(in TransformInput) (TransformOutput, error) {
	source, err := resolveSource(in, EntityCourse)
	if err != nil {
		return TransformOutput{}, err
	}

	name, err := requireString(source, "name")
	if err != nil {
		return TransformOutput{}, err
	}
	slug, err := DeriveUsername(name)
	if err != nil {
		return TransformOutput{}, err
	}

	target := map[string]any{
		"name": name,
		"slug": slug,
	}
	description := stringField(source, "description")
	if code := stringField(source, "course_code"); code != "" && description != "" {
		description = code + ": " + description
	} else if code != "" {
		description = code
	}
	if description != "" {
		target["description"] = description
	}
	return TransformOutput{Target: target}, nil
}
