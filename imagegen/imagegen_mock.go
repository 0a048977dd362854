package imagegen

import "context"

// GeneratorMock is a mock implementation of the Generator interface.
type GeneratorMock struct {
	GenerateFunc func(ctx context.Context, p Params) (Result, error)
}

// Generate is a mock implementation of the Generate method.
func (m *GeneratorMock) Generate(ctx context.Context, p Params) (Result, error) {
	return m.GenerateFunc(ctx, p)
}

// GenerateGeneratorMock generates a new mock returning a tiny PNG payload.
func GenerateGeneratorMock() *GeneratorMock {
	return &GeneratorMock{
		GenerateFunc: func(ctx context.Context, p Params) (Result, error) {
			return Result{
				Data:         []byte{0x89, 'P', 'N', 'G'},
				MimeType:     "image/png",
				ProcessingMS: 1,
				CostUSD:      CostUSD(p.Model),
			}, nil
		},
	}
}
