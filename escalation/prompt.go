package escalation

import (
	"fmt"
	"strings"

	"github.com/fleetwatch/fleetwatch/model"
)

// PromptInput carries everything the script builder needs for one call.
type PromptInput struct {
	Trip         *model.Trip
	Kind         model.CallKind
	Role         model.ContactRole
	ContactName  string
	Motive       string
	Language     string
	Instructions string
	Location     string
}

// BuildSystemPrompt renders the voice agent's system script. Spanish is
// the default; any other language value falls back to English.
func BuildSystemPrompt(in PromptInput) string {
	unit := in.Trip.Label()

	var b strings.Builder
	if spanish(in.Language) {
		b.WriteString("Eres un asistente de monitoreo de flotas de una empresa de transporte. ")
		b.WriteString("Hablas en español de forma breve, clara y profesional. ")
		fmt.Fprintf(&b, "Estás llamando sobre la unidad %s", unit)
		if in.Trip.Operator != "" {
			fmt.Fprintf(&b, ", operada por %s", in.Trip.Operator)
		}
		if in.Trip.Origin != "" && in.Trip.Destination != "" {
			fmt.Fprintf(&b, ", en ruta de %s a %s", in.Trip.Origin, in.Trip.Destination)
		}
		b.WriteString(". ")

		switch in.Kind {
		case model.CallParo:
			b.WriteString("Motivo de la llamada: la unidad lleva tiempo detenida. ")
		case model.CallAccidente:
			b.WriteString("Motivo de la llamada: posible accidente de la unidad. ")
		default:
			b.WriteString("Motivo de la llamada: verificación de estatus de la unidad. ")
		}
		if in.Motive != "" {
			b.WriteString(in.Motive + " ")
		}
		if in.Location != "" {
			fmt.Fprintf(&b, "Última ubicación conocida: %s. ", in.Location)
		}

		b.WriteString("Preséntate, informa el motivo, pregunta qué está pasando, ")
		b.WriteString("pregunta cuánto tiempo estiman para reanudar la marcha y despídete cortésmente. ")
		b.WriteString("Reglas: sé breve y profesional. No leas las coordenadas exactas en voz alta. ")
		b.WriteString("Si se trata de una emergencia, indica que se está activando el apoyo de inmediato. ")
		b.WriteString("Usa español mexicano. No inventes información.")
	} else {
		b.WriteString("You are a fleet monitoring assistant for a trucking company. ")
		b.WriteString("Speak briefly, clearly and professionally. ")
		fmt.Fprintf(&b, "You are calling about unit %s", unit)
		if in.Trip.Operator != "" {
			fmt.Fprintf(&b, ", driven by %s", in.Trip.Operator)
		}
		if in.Trip.Origin != "" && in.Trip.Destination != "" {
			fmt.Fprintf(&b, ", en route from %s to %s", in.Trip.Origin, in.Trip.Destination)
		}
		b.WriteString(". ")

		switch in.Kind {
		case model.CallParo:
			b.WriteString("Reason for the call: the unit has been stopped for a while. ")
		case model.CallAccidente:
			b.WriteString("Reason for the call: possible accident involving the unit. ")
		default:
			b.WriteString("Reason for the call: status verification. ")
		}
		if in.Motive != "" {
			b.WriteString(in.Motive + " ")
		}
		if in.Location != "" {
			fmt.Fprintf(&b, "Last known location: %s. ", in.Location)
		}

		b.WriteString("Introduce yourself, state the reason, ask what is happening, ")
		b.WriteString("ask how long until they resume, and say goodbye politely. ")
		b.WriteString("Rules: be brief and professional. Do not read the exact coordinates aloud. ")
		b.WriteString("If this is an emergency, state that support is being engaged immediately. ")
		b.WriteString("Do not make up information.")
	}

	if in.Instructions != "" {
		b.WriteString("\n\nInstrucciones adicionales del cliente: " + in.Instructions)
	}
	return b.String()
}

// BuildFirstMessage renders the greeting that opens the call.
func BuildFirstMessage(in PromptInput) string {
	unit := in.Trip.Label()
	name := in.ContactName

	if spanish(in.Language) {
		greeting := "Hola"
		if name != "" {
			greeting = "Hola, " + name
		}
		return fmt.Sprintf("%s, le llamo del monitoreo de flotas sobre la unidad %s. ¿Tiene un momento?", greeting, unit)
	}
	greeting := "Hello"
	if name != "" {
		greeting = "Hello, " + name
	}
	return fmt.Sprintf("%s, this is fleet monitoring calling about unit %s. Do you have a moment?", greeting, unit)
}

func spanish(language string) bool {
	return language == "" || strings.HasPrefix(strings.ToLower(language), "es")
}
