package model

import "fmt"

// Validate checks the structural requirements a parsed file must meet before
// persistence is attempted. Violations here never reach the store.
func (f *ParsedFile) Validate() error {
	if f.FileID == "" {
		return fmt.Errorf("file id is required")
	}

	switch f.RootType {
	case RootSubmission:
		if len(f.Claims) == 0 {
			return fmt.Errorf("submission file %s has no claims", f.FileID)
		}
		for i := range f.Claims {
			if err := f.Claims[i].validate(); err != nil {
				return fmt.Errorf("file %s claim[%d]: %w", f.FileID, i, err)
			}
		}
		if len(f.RemittanceClaims) > 0 {
			return fmt.Errorf("submission file %s carries remittance records", f.FileID)
		}
	case RootRemittance:
		if len(f.RemittanceClaims) == 0 {
			return fmt.Errorf("remittance file %s has no claims", f.FileID)
		}
		for i := range f.RemittanceClaims {
			if err := f.RemittanceClaims[i].validate(); err != nil {
				return fmt.Errorf("file %s remittance claim[%d]: %w", f.FileID, i, err)
			}
		}
		if len(f.Claims) > 0 {
			return fmt.Errorf("remittance file %s carries submission records", f.FileID)
		}
	default:
		return fmt.Errorf("file %s has unknown root type %d", f.FileID, f.RootType)
	}

	return nil
}

func (c *Claim) validate() error {
	if c.ID == "" {
		return fmt.Errorf("claim id is required")
	}
	if c.PayerID == "" {
		return fmt.Errorf("claim %s: payer id is required", c.ID)
	}
	if c.ProviderID == "" {
		return fmt.Errorf("claim %s: provider id is required", c.ID)
	}
	if len(c.Activities) == 0 {
		return fmt.Errorf("claim %s has no activities", c.ID)
	}
	for i := range c.Activities {
		if c.Activities[i].ID == "" {
			return fmt.Errorf("claim %s activity[%d]: activity id is required", c.ID, i)
		}
	}
	if c.Resubmission != nil && c.Resubmission.Type == "" {
		return fmt.Errorf("claim %s: resubmission type is required", c.ID)
	}
	return nil
}

func (rc *RemittanceClaim) validate() error {
	if rc.ID == "" {
		return fmt.Errorf("remittance claim id is required")
	}
	if len(rc.Activities) == 0 {
		return fmt.Errorf("remittance claim %s has no activities", rc.ID)
	}
	for i := range rc.Activities {
		if rc.Activities[i].ID == "" {
			return fmt.Errorf("remittance claim %s activity[%d]: activity id is required", rc.ID, i)
		}
	}
	return nil
}
