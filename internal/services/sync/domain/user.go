package domain

// TransformUser derives a forum user from a courseware user (or the reverse;
// both systems share the user shape apart from the username).
func TransformUser(in TransformInput) (TransformOutput, error) {
	source, err := resolveSource(in, EntityUser)
	if err != nil {
		return TransformOutput{}, err
	}

	name, err := requireString(source, "name")
	if err != nil {
		return TransformOutput{}, err
	}
	email, err := requireString(source, "email")
	if err != nil {
		return TransformOutput{}, err
	}

	username := stringField(source, "username")
	if username == "" {
		username, err = DeriveUsername(name)
		if err != nil {
			return TransformOutput{}, err
		}
	}

	return TransformOutput{Target: map[string]any{
		"username": username,
		"name":     name,
		"email":    email,
	}}, nil
}
