package resolver

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/bulkwave/wacampaign-backend/internal/gateway"
	"github.com/bulkwave/wacampaign-backend/internal/model"
)

// Resolver turns a campaign's Source into an ordered, filtered recipient list.
// Resolution runs exactly once per campaign, at the first transition into
// running; the dispatch loop never re-resolves mid-run.
type Resolver struct {
	Directory gateway.Directory
	// BasePath is prepended to relative CSV file paths.
	BasePath string
}

// Resolve materializes the source, applies the row range, then the
// post-filters in order: skip set (restarts), exclude-my-contacts,
// exclude-previous-conversations, de-duplication. Ordering is source order
// throughout; the list is never re-sorted.
func (r *Resolver) Resolve(ctx context.Context, c *model.Campaign, skip map[string]bool) ([]model.Recipient, error) {
	var (
		recipients []model.Recipient
		err        error
	)

	switch c.Source.SourceType {
	case model.SourceCSVUpload:
		recipients, err = r.resolveCSV(c.Source)
	case model.SourceWhatsAppGroup:
		recipients, err = r.resolveGroups(ctx, c)
		if err == nil {
			recipients = applyRowRange(recipients, c.Source.StartRow, c.Source.EndRow)
		}
	case model.SourceUserContacts:
		recipients, err = r.Directory.ResolveContacts(ctx, c.SessionName, c.Source.ContactSelection, c.Source.ContactIDs)
		if err == nil {
			recipients = applyRowRange(recipients, c.Source.StartRow, c.Source.EndRow)
		}
	default:
		err = fmt.Errorf("unknown source type %q", c.Source.SourceType)
	}
	if err != nil {
		return nil, err
	}

	if len(skip) > 0 {
		recipients = filter(recipients, func(rec model.Recipient) bool {
			return !skip[DedupeKey(rec.Phone)]
		})
	}

	if c.ExcludeMyContacts {
		saved, err := r.Directory.MyContacts(ctx, c.SessionName)
		if err != nil {
			return nil, fmt.Errorf("load saved contacts: %w", err)
		}
		savedSet := make(map[string]bool, len(saved))
		for _, p := range saved {
			savedSet[DedupeKey(p)] = true
		}
		recipients = filter(recipients, func(rec model.Recipient) bool {
			return !savedSet[DedupeKey(rec.Phone)]
		})
	}

	if c.ExcludePreviousConversations {
		kept := recipients[:0:0]
		for _, rec := range recipients {
			exists, err := r.Directory.HasConversation(ctx, c.SessionName, rec.Phone)
			if err != nil {
				return nil, fmt.Errorf("check conversation history for %s: %w", rec.Phone, err)
			}
			if !exists {
				kept = append(kept, rec)
			}
		}
		recipients = kept
	}

	if c.RemoveDuplicates {
		seen := map[string]bool{}
		deduped := recipients[:0:0]
		for _, rec := range recipients {
			key := DedupeKey(rec.Phone)
			if seen[key] {
				continue
			}
			seen[key] = true
			deduped = append(deduped, rec)
		}
		recipients = deduped
	}

	return recipients, nil
}

// resolveCSV reads the data rows between StartRow and EndRow (1-based,
// inclusive, counted over data rows after the header). Rows with an empty or
// malformed phone are dropped and do not count toward total_rows.
func (r *Resolver) resolveCSV(src model.Source) ([]model.Recipient, error) {
	path := src.FilePath
	if r.BasePath != "" && !filepath.IsAbs(path) {
		path = filepath.Join(r.BasePath, path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open source file: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read CSV header: %w", err)
	}

	// Column mapping is CSV header name → field. Absent a mapping, headers map
	// onto themselves lowercased; "phone" is an alias for phone_number either way.
	fieldByCol := make(map[int]string, len(header))
	for i, col := range header {
		name := strings.ToLower(strings.TrimSpace(col))
		field := name
		if mapped, ok := src.ColumnMapping[name]; ok {
			field = strings.ToLower(strings.TrimSpace(mapped))
		}
		if field == "phone" {
			field = "phone_number"
		}
		fieldByCol[i] = field
	}

	hasPhone := false
	for _, field := range fieldByCol {
		if field == "phone_number" {
			hasPhone = true
			break
		}
	}
	if !hasPhone {
		return nil, fmt.Errorf("no column mapped to phone_number")
	}

	startRow := src.StartRow
	if startRow < 1 {
		startRow = 1
	}

	recipients := []model.Recipient{}
	rowNum := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read CSV row: %w", err)
		}

		rowNum++
		if rowNum < startRow {
			continue
		}
		if src.EndRow != nil && rowNum > *src.EndRow {
			break
		}

		rec := model.Recipient{Vars: map[string]string{}}
		for i, value := range record {
			field, ok := fieldByCol[i]
			if !ok {
				continue
			}
			value = strings.TrimSpace(value)
			switch field {
			case "phone_number":
				rec.Phone = value
			case "name":
				rec.Name = value
				rec.Vars["name"] = value
			default:
				rec.Vars[field] = value
			}
		}

		if NormalizePhone(rec.Phone) == "" {
			continue
		}
		recipients = append(recipients, rec)
	}

	return recipients, nil
}

func (r *Resolver) resolveGroups(ctx context.Context, c *model.Campaign) ([]model.Recipient, error) {
	if len(c.Source.GroupIDs) == 0 {
		return nil, fmt.Errorf("no groups selected")
	}

	// group_message sends one message to each group; the group itself is the
	// recipient unit and its id rides in the phone field.
	if c.Source.DeliveryMethod == model.DeliveryGroupMessage {
		recipients := make([]model.Recipient, 0, len(c.Source.GroupIDs))
		for _, gid := range c.Source.GroupIDs {
			recipients = append(recipients, model.Recipient{Phone: gid, Name: gid})
		}
		return recipients, nil
	}

	recipients := []model.Recipient{}
	for _, gid := range c.Source.GroupIDs {
		members, err := r.Directory.ResolveGroup(ctx, c.SessionName, gid)
		if err != nil {
			return nil, fmt.Errorf("resolve group %s: %w", gid, err)
		}
		recipients = append(recipients, members...)
	}
	return recipients, nil
}

func applyRowRange(recipients []model.Recipient, startRow int, endRow *int) []model.Recipient {
	if startRow < 1 {
		startRow = 1
	}
	if startRow > len(recipients) {
		return []model.Recipient{}
	}
	end := len(recipients)
	if endRow != nil && *endRow < end {
		end = *endRow
	}
	if end < startRow {
		return []model.Recipient{}
	}
	return recipients[startRow-1 : end]
}

// DedupeKey compares recipients by normalized phone; group-message targets
// carry a group JID in the phone field, which falls back to the raw value.
func DedupeKey(phone string) string {
	if n := NormalizePhone(phone); n != "" {
		return n
	}
	return phone
}

func filter(recipients []model.Recipient, keep func(model.Recipient) bool) []model.Recipient {
	out := recipients[:0:0]
	for _, rec := range recipients {
		if keep(rec) {
			out = append(out, rec)
		}
	}
	return out
}

// NormalizePhone strips formatting characters and returns "" for numbers that
// cannot be dialed. Dedup and exclusion filters compare normalized values.
func NormalizePhone(phone string) string {
	var b strings.Builder
	for i, r := range phone {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
			// formatting, drop
		default:
			return ""
		}
	}
	digits := strings.TrimPrefix(b.String(), "+")
	if len(digits) < 7 || len(digits) > 15 {
		return ""
	}
	return digits
}
