package navigator

// NewGreenhouse handles boards.greenhouse.io hosted forms.
func NewGreenhouse() *Generic {
	return &Generic{
		name:             "greenhouse",
		formSelectors:    []string{"form#application_form", "form#application-form", "#greenhouse-forms form"},
		applySelectors:   []string{"#apply_button", "a[href*='#app']", ".apply-button"},
		confirmSelectors: []string{"#application_confirmation", ".application-confirmation"},
		confirmPhrases:   append([]string{"thank you for applying"}, defaultConfirmPhrases...),
		fixed: map[string]func(FillInput) string{
			"first_name":        func(in FillInput) string { return in.Profile.FirstName() },
			"last_name":         func(in FillInput) string { return in.Profile.LastName() },
			"email":             func(in FillInput) string { return in.Profile.Email },
			"phone":             func(in FillInput) string { return in.Profile.Phone },
			"resume":            func(in FillInput) string { return in.Profile.ResumePath },
			"cover_letter_text": func(in FillInput) string { return in.CoverLetter },
			"job_application[first_name]": func(in FillInput) string { return in.Profile.FirstName() },
			"job_application[last_name]":  func(in FillInput) string { return in.Profile.LastName() },
			"job_application[email]":      func(in FillInput) string { return in.Profile.Email },
			"job_application[phone]":      func(in FillInput) string { return in.Profile.Phone },
		},
	}
}

// NewLever handles jobs.lever.co hosted forms.
func NewLever() *Generic {
	return &Generic{
		name:             "lever",
		formSelectors:    []string{"form#application-form", "form.application-form", "form[action*='/apply']"},
		applySelectors:   []string{"[data-qa='btn-apply-bottom']", "a.postings-btn", "a[href$='/apply']"},
		confirmSelectors: []string{".application-confirmation", "[data-qa='msg-submit-success']"},
		confirmPhrases:   append([]string{"application submitted"}, defaultConfirmPhrases...),
		fixed: map[string]func(FillInput) string{
			"name":           func(in FillInput) string { return in.Profile.Name },
			"email":          func(in FillInput) string { return in.Profile.Email },
			"phone":          func(in FillInput) string { return in.Profile.Phone },
			"org":            func(in FillInput) string { return in.Profile.CurrentCompany },
			"resume":         func(in FillInput) string { return in.Profile.ResumePath },
			"comments":       func(in FillInput) string { return in.CoverLetter },
			"urls[LinkedIn]": func(in FillInput) string { return in.Profile.LinkedIn },
			"urls[GitHub]":   func(in FillInput) string { return in.Profile.GitHub },
		},
	}
}
