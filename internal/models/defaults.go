package models

// Product classifications used to route payment events to funnels.
const (
	ProductCS      = "CS"
	ProductFAB     = "FAB"
	ProductUnknown = "UNKNOWN"
)

// Built-in funnel identifiers.
const (
	FunnelCSApproved  = "CS_APROVADA"
	FunnelCSPix       = "CS_PIX"
	FunnelFABApproved = "FAB_APROVADA"
	FunnelFABPix      = "FAB_PIX"
)

func intPtr(i int) *int { return &i }

func threeStepFunnel(id, name string, timeoutMinutes int, texts [3]string) Funnel {
	return Funnel{
		ID:   id,
		Name: name,
		Steps: Steps{
			MessageStep{
				StepCommon:   StepCommon{ID: "step_1"},
				Type:         StepKindText,
				Text:         texts[0],
				WaitForReply: true,
				ReplyGate: ReplyGate{
					TimeoutMinutes: timeoutMinutes,
					NextOnReply:    intPtr(1),
					NextOnTimeout:  intPtr(2),
				},
			},
			MessageStep{StepCommon: StepCommon{ID: "step_2"}, Type: StepKindText, Text: texts[1]},
			MessageStep{StepCommon: StepCommon{ID: "step_3"}, Type: StepKindText, Text: texts[2]},
		},
		ExpiredStep: intPtr(2),
	}
}

// DefaultFunnels returns the built-in funnels seeded into an empty store.
func DefaultFunnels() []Funnel {
	return []Funnel{
		threeStepFunnel(FunnelCSApproved, "CS - Compra Aprovada", 60, [3]string{
			"Parabéns! Seu pedido foi aprovado. Bem-vindo ao CS!",
			"Obrigado pela resposta! Aqui estão seus próximos passos...",
			"Lembre-se de acessar nossa plataforma. Qualquer dúvida, estamos aqui!",
		}),
		threeStepFunnel(FunnelCSPix, "CS - PIX Pendente", 10, [3]string{
			"Seu PIX foi gerado! Aguardamos o pagamento para liberar o acesso ao CS.",
			"Obrigado pelo contato! Assim que o pagamento for confirmado, você receberá o acesso.",
			"PIX vencido! Entre em contato conosco para gerar um novo.",
		}),
		threeStepFunnel(FunnelFABApproved, "FAB - Compra Aprovada", 60, [3]string{
			"Parabéns! Seu pedido FAB foi aprovado. Prepare-se para a transformação!",
			"Que bom que respondeu! Sua jornada FAB começa agora...",
			"Acesse nossa área de membros e comece sua transformação hoje mesmo!",
		}),
		threeStepFunnel(FunnelFABPix, "FAB - PIX Pendente", 10, [3]string{
			"Seu PIX FAB foi gerado! Aguardamos o pagamento para iniciar sua transformação.",
			"Obrigado pelo contato! Logo após o pagamento, você terá acesso completo ao FAB.",
			"PIX vencido! Entre em contato para gerar um novo e não perder essa oportunidade.",
		}),
	}
}

// IsDefaultFunnel reports whether id names a built-in funnel.
func IsDefaultFunnel(id string) bool {
	switch id {
	case FunnelCSApproved, FunnelCSPix, FunnelFABApproved, FunnelFABPix:
		return true
	}
	return false
}

// FunnelRoute names the funnels started for a product classification.
type FunnelRoute struct {
	Approved string
	Pending  string
}

// RouteForProduct picks the funnels for a product classification; anything
// other than FAB routes to the CS funnels.
func RouteForProduct(productType string) FunnelRoute {
	if productType == ProductFAB {
		return FunnelRoute{Approved: FunnelFABApproved, Pending: FunnelFABPix}
	}
	return FunnelRoute{Approved: FunnelCSApproved, Pending: FunnelCSPix}
}

// DefaultProductMapping maps payment-provider offer ids to product classifications.
func DefaultProductMapping() map[string]string {
	return map[string]string{
		"5c1f6390-8999-4740-b16f-51380e1097e4": ProductCS,
		"0f393085-4960-4c71-9efe-faee8ba51d3f": ProductCS,
		"e2282b4c-878c-4bcd-becb-1977dfd6d2b8": ProductCS,
		"5288799c-d8e3-48ce-a91d-587814acdee5": ProductFAB,
	}
}
