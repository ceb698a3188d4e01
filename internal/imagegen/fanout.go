package imagegen

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"imagepage/internal/domain"
)

// VariantFunc produces the images of one variant. variant is zero based.
type VariantFunc func(ctx context.Context, variant int) ([]domain.ImageRef, error)

// VariantOutcome is reported once per variant as soon as it settles.
type VariantOutcome struct {
	Variant int
	Images  []domain.ImageRef
	Err     error
	// Dropped counts the extra images the provider returned beyond the first.
	Dropped int
}

// RunVariants dispatches n calls concurrently and joins them. A failing or panicking
// variant is recorded in failures and never cancels its siblings. Images are returned
// in issue order, at most one per variant. report is called from the variant's
// goroutine and must be safe for concurrent use.
func RunVariants(ctx context.Context, n int, fn VariantFunc, report func(VariantOutcome)) ([]domain.ImageRef, []domain.VariantFailure) {
	if n <= 0 {
		return nil, nil
	}
	slots := make([]VariantOutcome, n)

	var g errgroup.Group
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			out := runVariant(ctx, i, fn)
			slots[i] = out
			if report != nil {
				report(out)
			}
			return nil
		})
	}
	_ = g.Wait()

	images := make([]domain.ImageRef, 0, n)
	var failures []domain.VariantFailure
	for _, out := range slots {
		if out.Err != nil {
			failures = append(failures, domain.VariantFailure{
				Variant: out.Variant,
				Kind:    domain.Kind(out.Err),
				Message: out.Err.Error(),
			})
			continue
		}
		images = append(images, out.Images[0])
	}
	return images, failures
}

func runVariant(ctx context.Context, variant int, fn VariantFunc) (out VariantOutcome) {
	out.Variant = variant
	defer func() {
		if r := recover(); r != nil {
			out.Images = nil
			out.Err = fmt.Errorf("variant %d panicked: %v", variant, r)
		}
	}()
	images, err := fn(ctx, variant)
	switch {
	case err != nil:
		out.Err = err
	case len(images) == 0:
		out.Err = &domain.ParseError{Stage: "variant", Err: domain.ErrNoImages}
	default:
		out.Images = images[:1]
		out.Dropped = len(images) - 1
	}
	return out
}
